package service

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const (
	backoffFactor   = 1.5
	backoffMaxDelay = 5 * time.Second
)

var errPollTimeout = errors.New("polling timed out")

// pollWithBackoff calls fn until it reports done, starting at interval and
// growing the delay by backoffFactor up to backoffMaxDelay.
func pollWithBackoff(ctx context.Context, timeout, interval time.Duration, fn func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = time.Second
	}
	maxDelay := backoffMaxDelay
	if interval > maxDelay {
		maxDelay = interval
	}

	pollCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	delay := interval
	for {
		done, err := fn(pollCtx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errPollTimeout
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * backoffFactor)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// AutoBundler runs a bundle cycle for every supported EntryPoint on an interval.
type AutoBundler struct {
	bundler  *Bundler
	interval time.Duration
}

type AutoBundlerConfig struct {
	Interval time.Duration
}

func NewAutoBundler(bundler *Bundler, config AutoBundlerConfig) *AutoBundler {
	return &AutoBundler{
		bundler:  bundler,
		interval: config.Interval,
	}
}

// logger wraps the execution context with component info
func (s *AutoBundler) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("component", "auto-bundler").Logger()
	return &l
}

// Start begins the bundling loop and blocks until ctx is done
func (s *AutoBundler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger(ctx).Info().Msg("auto bundling disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger(ctx).Info().
		Dur("bundle_interval", s.interval).
		Msg("starting auto bundler")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger(ctx).Info().Msg("auto bundler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs a single bundling cycle for each EntryPoint
func (s *AutoBundler) tick(ctx context.Context) {
	for _, entryPoint := range s.bundler.SupportedEntryPoints() {
		if s.bundler.PendingCount(entryPoint) == 0 {
			continue
		}
		result, err := s.bundler.ExecuteBundle(ctx, entryPoint)
		if err != nil {
			s.logger(ctx).Error().Err(err).
				Str("entry_point", entryPoint.Hex()).
				Msg("bundle cycle failed")
			continue
		}
		s.logCycle(ctx, entryPoint, result.TransactionHash, result.Success, len(result.PerOpResults))
	}
}

func (s *AutoBundler) logCycle(ctx context.Context, entryPoint common.Address, txHash *common.Hash, success bool, ops int) {
	event := s.logger(ctx).Info().
		Str("entry_point", entryPoint.Hex()).
		Bool("success", success).
		Int("op_count", ops)
	if txHash != nil {
		event = event.Str("tx_hash", txHash.Hex())
	}
	event.Msg("bundle cycle completed")
}
