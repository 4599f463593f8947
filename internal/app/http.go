package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"tether/api/internal/inbound"
	"tether/api/internal/ingest"
)

const maxBodyBytes = 1 << 20

// Handler wires the HTTP surface. Routing is a method+path switch; the
// paths are few enough that a router buys nothing.
func Handler(svc *Service) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/ready", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		if err := svc.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "database unavailable")
			return
		}
		if err := svc.RedisPing(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "redis unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	mux.HandleFunc("/api/webhooks/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		handleWebhook(svc, w, r)
	})

	mux.HandleFunc("/api/chat/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		handleChatEvents(svc, w, r)
	})

	mux.HandleFunc("/api/items", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		items, err := svc.ListItems(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})

	mux.HandleFunc("/api/items/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "missing query parameter q")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		results, err := svc.SearchItems(r.Context(), query, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	})

	mux.HandleFunc("/api/items/", func(w http.ResponseWriter, r *http.Request) {
		handleItem(svc, w, r)
	})

	return withCORS(mux)
}

func handleItem(svc *Service, w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/items/")
	itemID, sub, _ := strings.Cut(rest, "/")
	if itemID == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}

	switch {
	case sub == "updates" && r.Method == http.MethodGet:
		updates, err := svc.ListItemUpdates(r.Context(), itemID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updates": updates})

	case sub == "" && r.Method == http.MethodGet:
		item, err := svc.GetItem(r.Context(), itemID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case sub == "" && r.Method == http.MethodPatch:
		var input UpdateItemInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		item, err := svc.UpdateItem(r.Context(), itemID, input, requestActor(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case sub == "" && r.Method == http.MethodDelete:
		if err := svc.DeleteItem(r.Context(), itemID, requestActor(r)); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// handleWebhook acknowledges with 200 for every processed payload, carrying
// the real outcome in the body, so the sender does not retry-storm.
func handleWebhook(svc *Service, w http.ResponseWriter, r *http.Request) {
	if token := svc.WebhookToken(); token != "" {
		if r.Header.Get("X-Tether-Webhook-Token") != token {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid webhook token")
			return
		}
	}

	var payload ingest.Payload
	if err := decodeBody(r, &payload); err != nil {
		writeJSON(w, http.StatusOK, ingest.Result{Status: "error", Message: "invalid payload"})
		return
	}

	result, err := svc.HandleWebhook(r.Context(), payload)
	if err != nil {
		log.Printf("http: webhook ingest: %v", err)
	}
	writeJSON(w, http.StatusOK, result)
}

type chatCallback struct {
	Type      string        `json:"type"`
	Challenge string        `json:"challenge,omitempty"`
	Event     inbound.Event `json:"event"`
}

func handleChatEvents(svc *Service, w http.ResponseWriter, r *http.Request) {
	var callback chatCallback
	if err := decodeBody(r, &callback); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	switch callback.Type {
	case "url_verification":
		writeJSON(w, http.StatusOK, map[string]string{"challenge": callback.Challenge})
	case "event_callback":
		if err := svc.HandleChatEvent(r.Context(), callback.Event); err != nil {
			log.Printf("http: chat event %s: %v", callback.Event.TS, err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "event processing failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func requestActor(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return "api"
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var domain *DomainError
	if errors.As(err, &domain) {
		writeError(w, domain.Status, domain.Code, domain.Message)
		return
	}
	log.Printf("http: internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor, X-Tether-Webhook-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
