package proxy

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/keyamuha-ux/collede/pkg/usage"
)

func applyQuotaHeaders(h http.Header, res usage.Result) {
	if res.Limit <= 0 {
		return
	}
	applyQuotaHeadersPrefix(h, "x-ratelimit-", res)
	applyQuotaHeadersPrefix(h, "ratelimit-", res)
}

func applyQuotaHeadersPrefix(h http.Header, prefix string, res usage.Result) {
	limit := strconv.FormatInt(res.Limit, 10)
	remaining := strconv.FormatInt(res.Remaining(), 10)
	h.Set(prefix+"limit", limit)
	h.Set(prefix+"remaining", remaining)
	h.Set(prefix+"limit-requests", limit)
	h.Set(prefix+"remaining-requests", remaining)
	secs := int64(res.ResetAt.Sub(nowUTC()).Seconds())
	if secs > 0 {
		reset := strconv.FormatInt(secs, 10)
		h.Set(prefix+"reset", reset)
		h.Set(prefix+"reset-requests", reset)
	} else {
		h.Del(prefix + "reset")
		h.Del(prefix + "reset-requests")
	}
}

func writeQuotaExceededResponse(w http.ResponseWriter, res usage.Result) {
	applyQuotaHeaders(w.Header(), res)
	if secs := w.Header().Get("x-ratelimit-reset"); secs != "" {
		w.Header().Set("Retry-After", secs)
	}
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf("Rate limit exceeded. Your daily limit is %d requests.", res.Limit),
			"type":    "rate_limit_error",
			"code":    "daily_limit_reached",
		},
		"limit": res.Limit,
	})
}

// writeError renders the OpenAI error envelope.
func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

// quotaJSON is the usage block of the user dashboard.
func quotaJSON(res usage.Result) map[string]any {
	return map[string]any{
		"current":   res.Current,
		"limit":     res.Limit,
		"remaining": res.Remaining(),
		"resetAt":   res.ResetAt.UTC().Format(time.RFC3339),
	}
}
