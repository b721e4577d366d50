package parameter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/infrastructure/logger"
	"github.com/paramcache/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Invalidation origins, reported on metrics and logs
const (
	OriginAPI   = "api"
	OriginEvent = "event"
	OriginPeer  = "peer"
	OriginCLI   = "cli"
)

// Invalidate clears the scope from the store and the local tier and tells the
// peer instances to drop their local tier. Nothing is repopulated: the next
// read fetches again.
func (s *CacheService) Invalidate(ctx context.Context, scope parameter.Scope) error {
	return s.InvalidateFrom(ctx, scope, OriginAPI)
}

// InvalidateFrom is Invalidate with an explicit origin label
func (s *CacheService) InvalidateFrom(ctx context.Context, scope parameter.Scope, origin string) error {
	ctx, span := telemetry.StartServiceSpan(ctx, serviceName, "Invalidate",
		telemetry.WithAttribute(telemetry.SpanAttrScope, scope.String()))
	defer span.End()

	if _, err := parameter.ParseKind(string(scope.Kind)); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}

	log := logger.L(ctx, s.logger).With(zap.String("scope", scope.String()), zap.String("origin", origin))
	log.Info("Invalidating cache")

	var errs []error
	if scope.Includes(parameter.KindSystemRates) {
		errs = append(errs, s.invalidateSystemRates(ctx, scope.Name))
	}
	if scope.Includes(parameter.KindSystemDates) {
		if err := s.systemDates.DeleteAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("delete system dates: %w", err))
		}
	}
	if scope.Includes(parameter.KindDocumentTypes) {
		if err := s.documentTypes.DeleteAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("delete document types: %w", err))
		}
	}
	s.evictLocal(scope)
	s.metrics.RecordInvalidation(ctx, scope, origin)

	if err := errors.Join(errs...); err != nil {
		telemetry.RecordError(span, err)
		log.Error("Could not invalidate cache", zap.Error(err))
		return err
	}

	s.broadcast(ctx, scope)
	return nil
}

func (s *CacheService) invalidateSystemRates(ctx context.Context, name string) error {
	if name == "" {
		if err := s.systemRates.DeleteAll(ctx); err != nil {
			return fmt.Errorf("delete system rates: %w", err)
		}
		return nil
	}
	rate, err := s.systemRates.FindByName(ctx, name)
	if err != nil {
		return fmt.Errorf("find system rate %s: %w", name, err)
	}
	if rate == nil {
		return nil
	}
	if err := s.systemRates.DeleteByID(ctx, rate.ID); err != nil {
		return fmt.Errorf("delete system rate %s: %w", name, err)
	}
	return nil
}

// evictLocal drops the local tier. A load already in flight keeps serving its
// own callers but can no longer fill the tier, and later readers start afresh.
func (s *CacheService) evictLocal(scope parameter.Scope) {
	if !scope.Includes(parameter.KindSystemDates) {
		return
	}
	s.localMu.Lock()
	s.localGen++
	s.local.Delete(localDatesKey)
	s.localMu.Unlock()
	s.group.Forget(string(parameter.KindSystemDates))
}

// broadcast failures are logged only: the store is already cleared and peers
// fall back to their local TTL.
func (s *CacheService) broadcast(ctx context.Context, scope parameter.Scope) {
	if s.broadcaster == nil || !scope.Includes(parameter.KindSystemDates) {
		return
	}
	msg := parameter.InvalidationMessage{
		Scope:     scope,
		Origin:    s.instanceID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.broadcaster.Publish(ctx, msg); err != nil {
		logger.L(ctx, s.logger).Warn("Could not broadcast invalidation",
			zap.String("scope", scope.String()), zap.Error(err))
	}
}

// ListenForPeers evicts the local tier whenever another instance invalidates.
// It blocks until ctx is cancelled or the broadcaster is closed.
func (s *CacheService) ListenForPeers(ctx context.Context) error {
	if s.broadcaster == nil {
		return nil
	}
	return s.broadcaster.Subscribe(ctx, func(msg parameter.InvalidationMessage) {
		if msg.Origin == s.instanceID {
			return
		}
		s.evictLocal(msg.Scope)
		s.metrics.RecordInvalidation(ctx, msg.Scope, OriginPeer)
		s.logger.Debug("Evicted local tier on peer invalidation",
			zap.String("scope", msg.Scope.String()),
			zap.String("peer", msg.Origin))
	})
}
