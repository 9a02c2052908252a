package upload

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/guardian/helpers"
	"github.com/temoto/guardian/log2"
)

const (
	DefaultTimeout      = 10 * time.Second
	responseLogMaxBytes = 4 << 10
)

func timeoutFromConfig(c Config) time.Duration {
	return helpers.IntSecondDefault(c.TimeoutSec, DefaultTimeout)
}

type HTTP struct {
	log    *log2.Log
	url    string
	client *http.Client
}

func NewHTTP(log *log2.Log, url string, timeout time.Duration) *HTTP {
	return &HTTP{
		log:    log,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// SetTransport is for tests.
func (self *HTTP) SetTransport(rt http.RoundTripper) { self.client.Transport = rt }

func (self *HTTP) Upload(ctx context.Context, payload []byte) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, self.url, bytes.NewReader(payload))
	if err != nil {
		return OutcomeTransportError(errors.Annotatef(err, "http request url=%s", self.url))
	}
	req.Header.Set("Content-Type", "application/json")
	// unary request, do not keep connection for the next tick
	req.Close = true

	self.log.Debugf("upload POST %s payload=%s", self.url, payload)
	response, err := self.client.Do(req)
	if err != nil {
		return OutcomeTransportError(errors.Annotatef(err, "http post url=%s", self.url))
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, responseLogMaxBytes))
	if err != nil {
		// status is known, body is only informational
		self.log.Debugf("upload response read err=%v", err)
	}
	self.log.Debugf("upload response code=%d body=%s", response.StatusCode, body)
	if IsSuccessCode(response.StatusCode) {
		return OutcomeDelivered(response.StatusCode)
	}
	return OutcomeRejected(response.StatusCode)
}
