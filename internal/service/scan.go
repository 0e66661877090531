package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/unfollowops/internal/diff"
	"github.com/punchamoorthee/unfollowops/internal/domain"
	"github.com/punchamoorthee/unfollowops/internal/logger"
	"github.com/punchamoorthee/unfollowops/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var scanCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "unfollowops_scan_candidates",
	Help:    "Non-follower candidates returned per scan",
	Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 2000},
})

// scanTimeout bounds one shared scan including every page of both lists.
const scanTimeout = 2 * time.Minute

// ScanOptions are the caller-controlled filter settings of one scan.
type ScanOptions struct {
	Allowlist []string
	Heuristic bool
}

type ScanService struct {
	sessions Sessions
	remote   remote.Client
	pageSize int
	// threshold and maxCandidates are server-side filter settings.
	threshold     int64
	maxCandidates int
	group         singleflight.Group
	log           *zap.SugaredLogger
}

func NewScanService(sessions Sessions, rc remote.Client, pageSize int, threshold int64, maxCandidates int, log *zap.SugaredLogger) *ScanService {
	return &ScanService{
		sessions:      sessions,
		remote:        rc,
		pageSize:      pageSize,
		threshold:     threshold,
		maxCandidates: maxCandidates,
		log:           log,
	}
}

// Scan fetches both relationship snapshots, diffs them and replaces the cached result.
// Identical concurrent scans for one token share a single remote fetch. The shared fetch is
// detached from every caller and bounded by scanTimeout; each caller only waits on its own ctx.
func (s *ScanService) Scan(ctx context.Context, token string, opts ScanOptions) (diff.Result, error) {
	key := token + "|" + strconv.FormatBool(opts.Heuristic) + "|" + strings.Join(opts.Allowlist, ",")
	ch := s.group.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scanTimeout)
		defer cancel()
		return s.scan(sctx, token, opts)
	})

	select {
	case <-ctx.Done():
		return diff.Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return diff.Result{}, r.Err
		}
		if r.Shared {
			s.log.Debugw("scan shared with concurrent request", "token", logger.Redact(token))
		}
		return r.Val.(diff.Result), nil
	}
}

func (s *ScanService) scan(ctx context.Context, token string, opts ScanOptions) (diff.Result, error) {
	start := time.Now()
	sc, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return diff.Result{}, err
	}
	remoteID := sc.Account.RemoteID

	var following, followers []domain.RemoteUser
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		following, err = s.remote.ListRelationships(gctx, sc.Credential, remoteID, remote.KindFollowing, s.pageSize)
		return err
	})
	g.Go(func() error {
		var err error
		followers, err = s.remote.ListRelationships(gctx, sc.Credential, remoteID, remote.KindFollowers, s.pageSize)
		return err
	})
	if err := g.Wait(); err != nil {
		return diff.Result{}, handleRemoteError(ctx, s.sessions, s.log, token, "scan", err)
	}

	res := diff.NonFollowers(following, followers, diff.Filter{
		Allowlist:         opts.Allowlist,
		Heuristic:         opts.Heuristic,
		FollowerThreshold: s.threshold,
		MaxCandidates:     s.maxCandidates,
	})
	s.sessions.CacheScan(token, res)
	scanCandidates.Observe(float64(len(res.Candidates)))

	s.log.Infow("scan completed",
		"token", logger.Redact(token),
		"following", len(following),
		"followers", len(followers),
		"candidates", len(res.Candidates),
		"filtered", res.Filtered,
		"duration", time.Since(start),
	)
	return res, nil
}

// Cached returns the last scan result for token without contacting the remote service.
func (s *ScanService) Cached(ctx context.Context, token string) (diff.Result, time.Time, error) {
	if _, err := s.sessions.Resolve(ctx, token); err != nil {
		return diff.Result{}, time.Time{}, err
	}
	res, at, ok := s.sessions.CachedScan(token)
	if !ok {
		return diff.Result{Candidates: make([]domain.Candidate, 0)}, time.Time{}, nil
	}
	return res, at, nil
}

// handleRemoteError invalidates the session on auth expiry and passes other typed errors through.
func handleRemoteError(ctx context.Context, sessions Sessions, log *zap.SugaredLogger, token, op string, err error) error {
	if errors.Is(err, remote.ErrAuthExpired) {
		if ierr := sessions.Invalidate(context.WithoutCancel(ctx), token); ierr != nil {
			log.Errorw("invalidate session failed", "token", logger.Redact(token), "error", ierr)
		}
		log.Warnw("remote credential expired", "op", op, "token", logger.Redact(token))
		return domain.ErrCredentialExpired
	}
	log.Warnw("remote call failed", "op", op, "token", logger.Redact(token), "error", err)
	return fmt.Errorf("%s: %w", op, err)
}
