package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/aegis-rbac/aegis-console/internal/platform/apiclient"
	"github.com/aegis-rbac/aegis-console/internal/rbac"
	"github.com/aegis-rbac/aegis-console/internal/shared"
)

// NewAuthzResyncHandler returns the TaskTypeAuthzResync handler. It walks
// every live console session that holds an authenticated identity and
// re-resolves its permission set against the upstream API, bounding how long
// a revocation made elsewhere can stay invisible to an open session.
//
// A session that changed between the fetch and the write is left alone; the
// concurrent writer resolved against fresher upstream state. An upstream
// rejection clears the permission set outright, a transport failure skips the
// session and keeps the previous set.
func NewAuthzResyncHandler(sessions *shared.SessionManager, service *rbac.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var walked, refreshed, cleared, skipped int

		err := sessions.ForEach(ctx, func(sess *shared.Session) error {
			payload := sess.Authz()
			if payload.State != "authenticated" || len(payload.Identity) == 0 {
				return nil
			}
			walked++

			var identity rbac.User
			if err := json.Unmarshal(payload.Identity, &identity); err != nil {
				skipped++
				return nil
			}
			version := payload.Version

			assignments, err := service.RolePermissions(ctx, payload.Upstream, identity.RoleID)

			// The fetch may have raced a request-cycle write; reload and
			// compare versions before touching anything. The compare and
			// the save below are separate Redis commands, so a write can
			// still slip between them; that window is bounded by the next
			// resync run or an in-request resolve.
			fresh, getErr := sessions.Get(ctx, sess.ID)
			if getErr != nil {
				skipped++
				return nil
			}
			if fresh.Authz().Version != version {
				skipped++
				return nil
			}

			switch {
			case err == nil:
				fresh.ReplacePermissions(rbac.PermissionNames(assignments), version)
				refreshed++
			case isDomainRejection(err):
				// The upstream no longer recognises this session's
				// authority; stale grants must not survive.
				fresh.ReplacePermissions(nil, version)
				cleared++
			default:
				if logger != nil {
					logger.Warn("authz resync fetch failed", slog.String("session", sess.ID), slog.Any("error", err))
				}
				skipped++
				return nil
			}

			if err := sessions.Save(ctx, fresh); err != nil {
				if logger != nil {
					logger.Warn("authz resync save failed", slog.String("session", sess.ID), slog.Any("error", err))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if logger != nil {
			logger.Info("authz resync complete",
				slog.Int("sessions", walked),
				slog.Int("refreshed", refreshed),
				slog.Int("cleared", cleared),
				slog.Int("skipped", skipped))
		}
		return nil
	}
}

func isDomainRejection(err error) bool {
	var domainErr *apiclient.DomainError
	return errors.As(err, &domainErr)
}
