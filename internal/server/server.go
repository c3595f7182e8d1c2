package server

import (
	"log"
	"net/http"
)

// Handler wires the REST API and the websocket event stream onto one mux.
func Handler(hub *Hub, orch Orchestrator, clips ClipResolver, warnings func() []string) http.Handler {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, orch, clips, warnings)

	return mux
}

func Serve(addr string, hub *Hub, orch Orchestrator, clips ClipResolver, warnings func() []string) error {
	h := Handler(hub, orch, clips, warnings)
	log.Printf("api listening at http://%s", addr)
	return http.ListenAndServe(addr, h)
}
