package distributord

import "net/http"

// Operator endpoints. These sit behind the Authenticator and let an operator
// halt payouts without stopping the daemon; pausing does not interrupt cycles
// already in flight.

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.processor.Pause()
	s.log.Info("processor paused by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.processor.Resume()
	s.log.Info("processor resumed by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.processor.Status())
}
