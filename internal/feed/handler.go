package feed

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// Handler upgrades requests for /api/stores/{id}/feed and streams that
// store's change events until the client goes away. When snapshot is set the
// first message is the store's current state.
func Handler(hub *Hub, snapshot Snapshot, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storeID := r.PathValue("id")
		if storeID == "" {
			http.Error(w, "missing store id", http.StatusBadRequest)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // storefront widgets connect from tenant domains
		})
		if err != nil {
			logger.Warn("feed accept", "store_id", storeID, "error", err)
			return
		}

		c := NewClient(hub, conn, storeID)
		c.snapshot = snapshot
		c.Run(r.Context())
	}
}
