package api

import (
	"net/http"

	"github.com/neur0map/deskmon/internal/database"
	"github.com/neur0map/deskmon/internal/monitor"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	phases := make(map[monitor.Phase]int)
	for _, st := range s.mgr.List() {
		phases[st.Phase]++
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"targets":  phases,
		"clients":  s.hub.Clients(),
	})
}
