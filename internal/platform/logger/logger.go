// Package logger wraps zap's SugaredLogger with field scrubbing tuned to
// the broker's data model. Three classes of field never reach a log line
// verbatim: credential-bearing keys, opaque blobs the kernel stores but
// never produced (payload, result, system_info; any of them can carry a
// caller's upstream API keys or prompt text), and identifiers that
// correlate to an external party (customer_id, service_job_id), which are
// replaced by a short salted digest so lines about the same customer still
// correlate with each other.
package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, scrubFields(keysAndValues)...)
}
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, scrubFields(keysAndValues)...)
}
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, scrubFields(keysAndValues)...)
}
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, scrubFields(keysAndValues)...)
}
func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Fatalw(msg, scrubFields(keysAndValues)...)
}
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(scrubFields(keysAndValues)...)}
}

// fieldAction is what the scrubber does with one key's value.
type fieldAction int

const (
	actionKeep fieldAction = iota
	actionRedact
	actionDigest
)

// Key fragments, matched as substrings of the lowercased key so compound
// names like job_payload or x_api_key classify the same as the bare form.
var (
	// Credentials and contact details never belong in a log line. The
	// final three are opaque blobs: payload/result are the caller's own
	// JSON, system_info is a worker's self-reported blob.
	redactFragments = []string{
		"token", "secret", "password", "authorization",
		"cookie", "api_key", "apikey", "refresh", "email",
		"payload", "result", "system_info",
	}
	// Identifiers correlating to an external party: digested, not dropped,
	// so one customer's log lines still group together.
	digestFragments = []string{"customer_id", "service_job_id"}
)

func classify(key string) fieldAction {
	for _, frag := range redactFragments {
		if strings.Contains(key, frag) {
			return actionRedact
		}
	}
	for _, frag := range digestFragments {
		if strings.Contains(key, frag) {
			return actionDigest
		}
	}
	return actionKeep
}

// scrubFields rewrites a zap-style alternating key/value slice. A trailing
// dangling key is passed through untouched; zap reports it on its own.
func scrubFields(kv []interface{}) []interface{} {
	if len(kv) == 0 || !scrubbing() {
		return kv
	}
	out := make([]interface{}, len(kv))
	copy(out, kv)
	for i := 0; i+1 < len(out); i += 2 {
		key := strings.ToLower(strings.TrimSpace(stringify(out[i])))
		out[i+1] = scrubValue(key, out[i+1])
	}
	return out
}

func scrubValue(key string, val interface{}) interface{} {
	switch classify(key) {
	case actionRedact:
		return "[REDACTED]"
	case actionDigest:
		return digest(stringify(val))
	}
	switch v := val.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, inner := range v {
			out[k] = scrubValue(strings.ToLower(strings.TrimSpace(k)), inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = scrubValue("", inner)
		}
		return out
	case string:
		if looksLikeCredential(v) {
			return "[REDACTED]"
		}
	}
	return val
}

// looksLikeCredential catches secrets that arrive under an innocent key: a
// bearer-prefixed header value, or a JWT (three dot-separated segments
// opening with the base64 of `{"`).
func looksLikeCredential(s string) bool {
	if strings.HasPrefix(s, "Bearer ") {
		return true
	}
	return strings.HasPrefix(s, "eyJ") && strings.Count(s, ".") == 2
}

// digest maps an identifier to a short salted hash, stable within one
// deployment (the salt comes from the environment) so the same customer_id
// always digests to the same marker.
func digest(raw string) string {
	if raw == "" {
		return ""
	}
	h := sha256.Sum256(append([]byte(digestSalt), raw...))
	return "#" + hex.EncodeToString(h[:])[:12]
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

var (
	scrubOnce    sync.Once
	scrubEnabled bool
	digestSalt   string
)

// scrubbing is on unless LOG_SCRUB is explicitly disabled, read once per
// process. LOG_DIGEST_SALT, when set, perturbs the identifier digests so
// they can't be reversed by hashing a known id list.
func scrubbing() bool {
	scrubOnce.Do(func() {
		switch strings.TrimSpace(strings.ToLower(os.Getenv("LOG_SCRUB"))) {
		case "0", "false", "no", "off":
			scrubEnabled = false
		default:
			scrubEnabled = true
		}
		digestSalt = strings.TrimSpace(os.Getenv("LOG_DIGEST_SALT"))
	})
	return scrubEnabled
}
