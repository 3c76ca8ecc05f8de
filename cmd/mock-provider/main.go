// Command mock-provider is a local stand-in for the Twilio Messages API. It
// accepts WhatsApp sends and fires signed status callbacks the way Twilio does.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"campaigner/internal/httpserver"
	"campaigner/internal/logging"
	"campaigner/internal/providers/twilio"
)

type config struct {
	AccountSID        string        `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken         string        `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	Port              string        `envconfig:"PORT" default:"8080"`
	LogFormat         string        `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	OutcomeMode       string        `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw       string        `envconfig:"MOCK_OUTCOMES" default:"ok"`
	DefaultWebhookURL string        `envconfig:"MOCK_WEBHOOK_URL"`
	StepDelay         time.Duration `envconfig:"MOCK_WEBHOOK_STEP_DELAY" default:"300ms"`
	TimeoutDelay      time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"12s"`
	MaxRetries        int           `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`

	Outcomes []string `ignored:"true"`
}

type sendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
}

// outcome is what the mock does with one send: either an immediate API error
// or a 201 followed by a sequence of status callbacks.
type outcome struct {
	httpStatus int
	errorCode  int
	message    string
	callbacks  []string
	timeout    bool
}

type server struct {
	cfg    config
	idx    atomic.Uint64
	picks  atomic.Uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
	sleep  func(time.Duration)
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	logging.Init("mock-provider", cfg.LogFormat, cfg.LogLevel)

	s := newServer(cfg)
	slog.Info("mock provider listening", "port", cfg.Port, "mode", cfg.OutcomeMode, "outcomes", cfg.Outcomes)
	if err := http.ListenAndServe(":"+cfg.Port, httpserver.Logging(s.router())); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config) *server {
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}
	return &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
		sleep:  time.Sleep,
	}
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleSend).Methods(http.MethodPost)
	return r
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.cfg.AccountSID || pass != s.cfg.AuthToken || mux.Vars(r)["AccountSid"] != s.cfg.AccountSID {
		writeError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	to := r.PostForm.Get("To")
	if to == "" || r.PostForm.Get("Body") == "" {
		writeError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if r.PostForm.Get("MessagingServiceSid") == "" && r.PostForm.Get("From") == "" {
		writeError(w, http.StatusBadRequest, 21606, "From or MessagingServiceSid is required")
		return
	}
	if !strings.HasPrefix(to, "whatsapp:+") {
		writeError(w, http.StatusBadRequest, 63003, "Channel could not find To address")
		return
	}

	out := classifyOutcome(s.nextOutcome())
	if out.timeout {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.TimeoutDelay):
		}
		writeError(w, http.StatusGatewayTimeout, out.errorCode, out.message)
		return
	}
	if out.httpStatus != http.StatusCreated {
		writeError(w, out.httpStatus, out.errorCode, out.message)
		return
	}

	sid := fmt.Sprintf("SM%032d", s.idx.Add(1))
	writeJSON(w, http.StatusCreated, sendResponse{Sid: sid, Status: "queued"})

	cb := r.PostForm.Get("StatusCallback")
	if cb == "" {
		cb = s.cfg.DefaultWebhookURL
	}
	if cb != "" {
		go s.fireCallbacks(cb, sid, to, r.PostForm.Get("From"), out)
	}
}

func (s *server) fireCallbacks(callbackURL, sid, to, from string, out outcome) {
	for _, status := range out.callbacks {
		s.sleep(s.cfg.StepDelay)
		form := url.Values{
			"MessageSid":    {sid},
			"MessageStatus": {status},
			"To":            {to},
			"From":          {from},
			"AccountSid":    {s.cfg.AccountSID},
		}
		if status == "failed" || status == "undelivered" {
			form.Set("ErrorCode", strconv.Itoa(out.errorCode))
			form.Set("ErrorMessage", out.message)
		}
		if err := s.postCallback(context.Background(), callbackURL, form); err != nil {
			slog.Error("mock webhook sequence aborted", "message_sid", sid, "status", status, "err", err)
			return
		}
	}
}

// postCallback signs the form like Twilio and retries on 429/5xx and
// transport errors.
func (s *server) postCallback(ctx context.Context, callbackURL string, form url.Values) error {
	sig := twilio.Sign(s.cfg.AuthToken, callbackURL, form)
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.sleep(twilio.Backoff(attempt - 1))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(twilio.SignatureHeader, sig)

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			slog.Warn("mock webhook post retrying", "url", callbackURL, "attempt", attempt+1, "err", err)
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook post failed: status=%d", resp.StatusCode)
		if !isRetryableStatus(resp.StatusCode) {
			return lastErr
		}
		slog.Warn("mock webhook post retrying", "url", callbackURL, "attempt", attempt+1, "status", resp.StatusCode)
	}
	return lastErr
}

func (s *server) nextOutcome() string {
	switch strings.ToLower(s.cfg.OutcomeMode) {
	case "round_robin":
		i := s.picks.Add(1) - 1
		return s.cfg.Outcomes[int(i)%len(s.cfg.Outcomes)]
	case "random":
		s.rngMu.Lock()
		defer s.rngMu.Unlock()
		return s.cfg.Outcomes[s.rng.Intn(len(s.cfg.Outcomes))]
	default:
		return s.cfg.Outcomes[0]
	}
}

// classifyOutcome parses tokens like "ok", "undelivered:63016" or "429".
func classifyOutcome(raw string) outcome {
	kind, codeRaw, _ := strings.Cut(strings.TrimSpace(raw), ":")
	code, _ := strconv.Atoi(codeRaw)
	withCode := func(def int) int {
		if code != 0 {
			return code
		}
		return def
	}

	switch kind {
	case "", "ok", "read":
		return outcome{httpStatus: http.StatusCreated, callbacks: []string{"sent", "delivered", "read"}}
	case "delivered":
		return outcome{httpStatus: http.StatusCreated, callbacks: []string{"sent", "delivered"}}
	case "undelivered":
		return outcome{httpStatus: http.StatusCreated, errorCode: withCode(63016), message: "Message undelivered",
			callbacks: []string{"sent", "undelivered"}}
	case "failed":
		return outcome{httpStatus: http.StatusCreated, errorCode: withCode(30008), message: "Unknown error",
			callbacks: []string{"failed"}}
	case "bad_request", "400":
		return outcome{httpStatus: http.StatusBadRequest, errorCode: withCode(21211), message: "Invalid 'To' Phone Number"}
	case "rate_limit", "429":
		return outcome{httpStatus: http.StatusTooManyRequests, errorCode: withCode(20429), message: "Too Many Requests"}
	case "server_error", "500":
		return outcome{httpStatus: http.StatusInternalServerError, errorCode: withCode(20500), message: "Internal Server Error"}
	case "timeout":
		return outcome{timeout: true, errorCode: withCode(20429), message: "Request timed out"}
	}
	return outcome{httpStatus: http.StatusInternalServerError, errorCode: withCode(30008), message: "mock error: " + kind}
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	resp := sendResponse{Status: "failed", Message: msg}
	if code != 0 {
		resp.ErrorCode = &code
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
