// Package identity provides anonymous per-device patient identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	PatientCookieName = "intake_patient_id"
	TabHeaderName     = "X-Intake-Tab-ID"
	DefaultTabID      = "default"
	patientCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	patientIDKey contextKey = iota
	tabIDKey
)

var (
	patientIDPattern = regexp.MustCompile(`^patient_[a-f0-9]{32}$`)
	tabIDPattern     = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

// PatientIDFromContext extracts the patient ID from the request context.
func PatientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(patientIDKey).(string); ok {
		return v
	}
	return ""
}

// TabIDFromContext extracts the browser tab ID from the request context.
func TabIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tabIDKey).(string); ok {
		return v
	}
	return DefaultTabID
}

// WithPatient returns ctx carrying the given identity. Used by tests and
// non-HTTP callers.
func WithPatient(ctx context.Context, patientID, tabID string) context.Context {
	ctx = context.WithValue(ctx, patientIDKey, patientID)
	return context.WithValue(ctx, tabIDKey, sanitizeTabID(tabID))
}

// DisplayName derives a short participant name from a patient ID.
func DisplayName(patientID string) string {
	if len(patientID) > 16 {
		return "patient-" + patientID[len(patientID)-8:]
	}
	return "patient"
}

func generatePatientID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate patient id: %w", err)
	}
	return "patient_" + hex.EncodeToString(buf), nil
}

func sanitizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !tabIDPattern.MatchString(id) {
		return DefaultTabID
	}
	return id
}

func setPatientCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     PatientCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(patientCookieAge.Seconds()),
		Expires:  time.Now().Add(patientCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreatePatientID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(PatientCookieName); err == nil && patientIDPattern.MatchString(c.Value) {
		setPatientCookie(w, c.Value, isDev)
		return c.Value, nil
	}
	id, err := generatePatientID()
	if err != nil {
		return "", err
	}
	setPatientCookie(w, id, isDev)
	return id, nil
}

func tabIDFromRequest(r *http.Request) string {
	tab := r.Header.Get(TabHeaderName)
	if tab == "" {
		tab = r.URL.Query().Get("tab_id")
	}
	return sanitizeTabID(tab)
}

// Middleware injects the anonymous patient identity and tab ID.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			patientID, err := getOrCreatePatientID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish patient identity"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPatient(r.Context(), patientID, tabIDFromRequest(r))))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
