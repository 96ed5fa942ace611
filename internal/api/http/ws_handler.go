package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/mission-sync/mission-sync/internal/infrastructure/wschannel"
)

// commandChannel upgrades a game client and runs its handshake until the
// socket closes.
func (s *Server) commandChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := wschannel.Upgrade(w, r, s.wsConfig, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	connectionID := uuid.New().String()
	coord, err := s.lobbySvc.OnConnect(ctx, connectionID, conn)
	if coord == nil {
		s.logger.Error().Err(err).Str("connection_id", connectionID).Msg("failed to attach connection")
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("connection attached without mission")
	}
	defer s.lobbySvc.OnDisconnect(context.WithoutCancel(ctx), connectionID)

	if err := conn.ReadLoop(ctx, coord.Dispatch); err != nil {
		s.logger.Info().Err(err).Str("connection_id", connectionID).Msg("command channel closed")
	}
}
