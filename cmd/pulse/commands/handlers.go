package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/tasmidur/agenda-schedular/config"
	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/internal/httpclient"
	"github.com/tasmidur/agenda-schedular/logger"
	"github.com/tasmidur/agenda-schedular/pulse/registry"
	"github.com/tasmidur/agenda-schedular/pulse/store"
)

// Handler kinds accepted in [[jobs]] handler.
const (
	HandlerLog     = "log"
	HandlerExec    = "exec"
	HandlerWebhook = "webhook"
)

// maxOutputInError bounds how much command output is kept in last_error.
const maxOutputInError = 2048

func newHandler(job config.JobConfig, pulseCfg config.PulseConfig) (registry.Handler, error) {
	switch job.Handler {
	case "", HandlerLog:
		return registry.HandlerFunc(logHandler), nil
	case HandlerExec:
		return newExecHandler(job.Command)
	case HandlerWebhook:
		client := httpclient.New(httpclient.Options{AllowPrivateNetworks: pulseCfg.WebhookAllowPrivate})
		return newWebhookHandler(client, job.URL)
	default:
		return nil, errors.NewInvalidRequestError("job %q: unknown handler %q", job.Name, job.Handler)
	}
}

// logHandler records the run and succeeds. Useful for wiring checks and
// for jobs whose only purpose is the event they emit.
func logHandler(ctx context.Context, occ *store.Occurrence) error {
	logger.LoggerFromContext(ctx).Infow("Job ran",
		logger.FieldSchedule, occ.Schedule.String(),
		"payload", string(occ.Payload))
	return nil
}

// execHandler runs a command per occurrence. The payload arrives on stdin
// and in PULSE_PAYLOAD; a non-zero exit is a failure.
type execHandler struct {
	argv []string
}

func newExecHandler(command string) (*execHandler, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "cannot parse command %q: %v", command, err)
	}
	if len(argv) == 0 {
		return nil, errors.NewInvalidRequestError("exec handler needs a command")
	}
	return &execHandler{argv: argv}, nil
}

func (h *execHandler) Execute(ctx context.Context, occ *store.Occurrence) error {
	cmd := exec.CommandContext(ctx, h.argv[0], h.argv[1:]...)
	cmd.Stdin = bytes.NewReader(occ.Payload)
	cmd.Env = append(os.Environ(),
		"PULSE_JOB_NAME="+occ.JobName,
		"PULSE_OCCURRENCE_ID="+occ.ID,
		"PULSE_PAYLOAD="+string(occ.Payload),
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log := logger.LoggerFromContext(ctx)
	log.Debugw("Executing command", "argv", h.argv)

	if err := cmd.Run(); err != nil {
		return errors.WithDetail(
			errors.Wrapf(err, "%s: %s", shellquote.Join(h.argv...), tail(out.String(), maxOutputInError)),
			"occurrence: "+occ.ID)
	}
	if out.Len() > 0 {
		log.Debugw("Command output", "output", tail(out.String(), maxOutputInError))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// webhookHandler POSTs the payload to a URL. Any non-2xx status is a failure.
type webhookHandler struct {
	client *httpclient.Client
	url    string
}

func newWebhookHandler(client *httpclient.Client, rawURL string) (*webhookHandler, error) {
	if _, err := client.ValidateURL(rawURL); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "webhook url %q: %v", rawURL, err)
	}
	return &webhookHandler{client: client, url: rawURL}, nil
}

func (h *webhookHandler) Execute(ctx context.Context, occ *store.Occurrence) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(occ.Payload))
	if err != nil {
		return errors.Wrap(err, "failed to build webhook request")
	}
	if len(occ.Payload) > 0 && json.Valid(occ.Payload) {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	req.Header.Set("X-Pulse-Job", occ.JobName)
	req.Header.Set("X-Pulse-Occurrence", occ.ID)

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", h.url)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutputInError))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf("POST %s: %s: %s", h.url, resp.Status, strings.TrimSpace(string(body)))
	}
	logger.LoggerFromContext(ctx).Debugw("Webhook delivered", "url", h.url, "status", resp.StatusCode)
	return nil
}
