package scanner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ergroom/internal/device"
	"ergroom/internal/presence"
)

var ErrRegistrationFailed = errors.New("registration failed")

// maxMintAttempts bounds retries after an identifier collision.
const maxMintAttempts = 3

type writeFunc func(ctx context.Context, id string) error

// SetRegistrationMode arms or disarms registration. Disarming cancels a
// registration that is waiting for a tag.
func (e *Engine) SetRegistrationMode(on bool) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if on {
		if !e.registering {
			e.registering = true
			e.regGen++
			e.regSince = e.clock.Now()
			e.log.Info("registration armed")
		}
		return
	}
	if e.registering {
		e.log.Info("registration disarmed")
	}
	e.registering = false
	if e.regCancel != nil {
		e.regCancel()
		e.regCancel = nil
	}
}

func (e *Engine) IsRegistrationMode() bool {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	return e.registering
}

// claimRegistration takes the armed registration for the scan loop. The
// returned context ends on timeout, disarm or loop shutdown.
func (e *Engine) claimRegistration(ctx context.Context) (context.Context, context.CancelFunc, uint64, bool) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if !e.registering {
		return nil, nil, 0, false
	}
	wctx, cancel := context.WithTimeout(ctx, e.cfg.RegistrationTimeout)
	e.regCancel = cancel
	return wctx, cancel, e.regGen, true
}

// releaseRegistration reverts to normal scanning unless the operator re-armed
// in the meantime.
func (e *Engine) releaseRegistration(gen uint64) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if e.regGen == gen {
		e.registering = false
	}
	e.regCancel = nil
}

// expireRegistration disarms a registration left armed past the timeout
// while no device is available to consume it.
func (e *Engine) expireRegistration() {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if e.registering && e.clock.Now().Sub(e.regSince) >= e.cfg.RegistrationTimeout {
		e.registering = false
		e.log.Warn("registration expired without a tag")
		e.metrics.Registration("timeout")
	}
}

// registerFromReader waits for the next tag and provisions it. The
// registration is single-shot: the mode reverts as soon as the wait ends,
// before the tag is written.
func (e *Engine) registerFromReader(ctx context.Context, r device.Reader) {
	wctx, cancel, gen, ok := e.claimRegistration(ctx)
	if !ok {
		return
	}
	previous, err := r.WaitForTag(wctx)
	cancel()
	e.releaseRegistration(gen)

	if err != nil {
		switch {
		case ctx.Err() != nil:
		case errors.Is(err, context.DeadlineExceeded):
			e.log.Warn("registration timed out waiting for a tag")
			e.metrics.Registration("timeout")
		case errors.Is(err, context.Canceled):
			e.log.Info("registration cancelled")
		default:
			e.metrics.DeviceError()
			e.recordRegistration(previous, "", fmt.Errorf("%w: read tag: %w", ErrRegistrationFailed, err))
		}
		return
	}
	id, err := e.register(ctx, r.WriteID)
	e.recordRegistration(previous, id, err)
}

// SimulateRegistration performs a registration without a device: it mints an
// identifier and records it as pending. An armed registration is consumed.
func (e *Engine) SimulateRegistration(ctx context.Context) (ScanInfo, error) {
	e.SetRegistrationMode(false)
	id, err := e.register(ctx, func(context.Context, string) error { return nil })
	return e.recordRegistration("", id, err), err
}

// register mints an identifier, writes it with write and records it as a
// pending tag once the write is confirmed. A collision with an existing
// identifier mints again.
func (e *Engine) register(ctx context.Context, write writeFunc) (string, error) {
	for attempt := 1; attempt <= maxMintAttempts; attempt++ {
		now := e.clock.Now()
		id := e.newID(now)
		if err := write(ctx, id); err != nil {
			return "", fmt.Errorf("%w: write tag: %w", ErrRegistrationFailed, err)
		}
		err := e.store.AddPendingTag(ctx, id, now)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, presence.ErrTagExists) {
			return "", fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
		}
		e.log.Warn("minted identifier already in use", zap.String("tag_id", id), zap.Int("attempt", attempt))
	}
	return "", fmt.Errorf("%w: identifier collided %d times", ErrRegistrationFailed, maxMintAttempts)
}

func (e *Engine) recordRegistration(previous, id string, err error) ScanInfo {
	info := ScanInfo{TagID: id, At: e.clock.Now()}
	if err != nil {
		info.TagID = previous
		info.Outcome = OutcomeFailed
		e.metrics.Registration("failed")
		e.log.Error("tag registration failed", zap.String("tag", previous), zap.Error(err))
	} else {
		info.Outcome = OutcomeRegistered
		info.IsNewRegistration = true
		e.metrics.Registration("ok")
		e.log.Info("tag registered, awaiting onboarding", zap.String("tag_id", id))
	}
	e.status.Record(info)
	return info
}
