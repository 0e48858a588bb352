// Copyright 2025 The idsweep Authors
// This file is part of the idsweep library.
//
// The idsweep library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The idsweep library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the idsweep library. If not, see <http://www.gnu.org/licenses/>.

// Package probe tests single IDs against the upstream catalog. The worker
// only depends on the Prober contract; the stock implementation speaks the
// upstream's JSON echo protocol.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// Outcome classifies one probe.
type Outcome int

const (
	// Invalid: a well-formed non-match, an empty body, or any transport
	// failure. Transport failures deliberately map here rather than to
	// Retry, so an unreachable upstream cannot wedge a scan.
	Invalid Outcome = iota

	// Valid: the upstream echoed the identifier that was queried.
	Valid

	// Retry: the upstream echoed a different identifier, the anti-abuse
	// rotation tell. The caller re-issues the probe for the same ID.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Invalid:
		return "invalid"
	case Valid:
		return "valid"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Prober is the single-ID predicate the worker fans out over.
type Prober interface {
	Check(ctx context.Context, id int64) Outcome
}

var (
	validMeter   = metrics.NewRegisteredMeter("probe/valid", nil)
	invalidMeter = metrics.NewRegisteredMeter("probe/invalid", nil)
	retryMeter   = metrics.NewRegisteredMeter("probe/retry", nil)
)

// Config carries the upstream endpoint settings.
type Config struct {
	// URL is the upstream catalog endpoint.
	URL string

	// Prefix is prepended to the numeric ID to form the catalog identifier.
	Prefix string

	// Locale and CountryCode are echoed verbatim into the request body.
	Locale      string
	CountryCode string

	// Timeout bounds a single probe request.
	Timeout time.Duration
}

// DefaultConfig matches the upstream catalog this crawler was built for.
var DefaultConfig = Config{
	Prefix:      "C",
	Locale:      "zh_CN",
	CountryCode: "CN",
	Timeout:     30 * time.Second,
}

// HTTPProber probes the upstream catalog endpoint. The upstream echoes the
// queried identifier back for known IDs, answers an empty or mismatched body
// for unknown ones, and rotates in foreign identifiers under load.
type HTTPProber struct {
	cfg    Config
	client *http.Client
	log    log.Logger
}

// NewHTTPProber builds a prober for the configured upstream.
func NewHTTPProber(cfg Config) *HTTPProber {
	return &HTTPProber{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.New("component", "probe"),
	}
}

type probeRequest struct {
	AppID       string `json:"appId"`
	Locale      string `json:"locale"`
	CountryCode string `json:"countryCode"`
	OrderApp    int    `json:"orderApp"`
}

type probeResponse struct {
	AppID *string `json:"appId"`
}

// Check probes one ID.
func (p *HTTPProber) Check(ctx context.Context, id int64) Outcome {
	appID := fmt.Sprintf("%s%d", p.cfg.Prefix, id)
	body, err := json.Marshal(probeRequest{
		AppID:       appID,
		Locale:      p.cfg.Locale,
		CountryCode: p.cfg.CountryCode,
		OrderApp:    1,
	})
	if err != nil {
		p.log.Error("encode probe request", "id", id, "err", err)
		return Invalid
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		p.log.Error("build probe request", "id", id, "err", err)
		return Invalid
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("probe transport error", "id", id, "err", err)
		invalidMeter.Mark(1)
		return Invalid
	}
	defer resp.Body.Close()

	return p.classify(appID, resp)
}

func (p *HTTPProber) classify(appID string, resp *http.Response) Outcome {
	payload, err := io.ReadAll(resp.Body)
	if err != nil || len(payload) == 0 {
		invalidMeter.Mark(1)
		return Invalid
	}
	var echo probeResponse
	if err := json.Unmarshal(payload, &echo); err != nil || echo.AppID == nil {
		invalidMeter.Mark(1)
		return Invalid
	}
	if *echo.AppID == appID {
		validMeter.Mark(1)
		return Valid
	}
	// A foreign identifier means the upstream rotated the response away
	// from us; the same query must be asked again.
	retryMeter.Mark(1)
	return Retry
}
