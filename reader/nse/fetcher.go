package nse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// Fetcher retrieves the option chain for a symbol through an established
// session.
type Fetcher struct {
	cfg     config.NSEConfig
	limiter *rate.Limiter
	log     *logger.Log
}

func NewFetcher(cfg config.NSEConfig, limiter *rate.Limiter) *Fetcher {
	if limiter == nil {
		limiter = NewLimiter(cfg.RateLimit)
	}
	return &Fetcher{
		cfg:     cfg,
		limiter: limiter,
		log:     logger.GetLogger(),
	}
}

// Fetch returns the strike entries under records.data in upstream order. A
// payload without that array yields an empty slice.
func (f *Fetcher) Fetch(ctx context.Context, session *Session, symbol string) ([]models.RawChainItem, error) {
	if session == nil {
		return nil, fmt.Errorf("nse: fetch requires a session")
	}

	dataURL := strings.TrimRight(f.cfg.BaseURL, "/") + f.cfg.OptionChainPath
	log := f.log.WithComponent("nse_fetcher").WithFields(logger.Fields{
		"operation":  "fetch_option_chain",
		"symbol":     symbol,
		"session_id": session.ID,
	})

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	if err := f.limiter.Wait(reqCtx); err != nil {
		return nil, &ConnectivityError{URL: dataURL, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	start := time.Now()
	resp, err := session.client.R().
		SetContext(reqCtx).
		SetHeader("Referer", session.rootURL).
		SetQueryParam("symbol", symbol).
		Get(f.cfg.OptionChainPath)
	if err != nil {
		log.WithError(err).Warn("option chain request failed")
		return nil, &ConnectivityError{URL: dataURL, Err: err}
	}
	if !resp.IsSuccess() {
		log.WithFields(logger.Fields{"status": resp.StatusCode()}).Warn("option chain request returned non-success status")
		return nil, &FetchError{URL: dataURL, Status: resp.StatusCode()}
	}

	raw := resp.Body()
	body, err := decodeBody(resp.Header().Get("Content-Encoding"), raw)
	if err != nil {
		parseErr := &ParseError{Snippet: snippet(raw, f.cfg.DiagnosticBytes), Err: fmt.Errorf("decode %s body: %w", resp.Header().Get("Content-Encoding"), err)}
		log.WithError(err).WithFields(logger.Fields{
			"body_bytes": len(raw),
			"snippet":    parseErr.Snippet,
		}).Warn("option chain payload could not be decoded")
		return nil, parseErr
	}

	items, err := decodeChain(body)
	if err != nil {
		parseErr := &ParseError{Snippet: snippet(body, f.cfg.DiagnosticBytes), Err: err}
		log.WithError(err).WithFields(logger.Fields{
			"body_bytes": len(body),
			"snippet":    parseErr.Snippet,
		}).Warn("option chain payload is not valid JSON")
		return nil, parseErr
	}

	logger.LogPerformanceEntry(log, "nse_fetcher", "api_request", time.Since(start), logger.Fields{
		"symbol": symbol,
	})
	logger.LogDataFlowEntry(log, "nse_api", "flattener", len(items), "option_chain_items")
	return items, nil
}

// decodeChain requires a top-level JSON object. Anything below it that does
// not have the expected shape degrades to an empty result.
func decodeChain(body []byte) ([]models.RawChainItem, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, err
	}
	if top == nil {
		return nil, fmt.Errorf("top-level value is null")
	}

	var records map[string]json.RawMessage
	if err := json.Unmarshal(top["records"], &records); err != nil || records == nil {
		return []models.RawChainItem{}, nil
	}

	data := bytes.TrimSpace(records["data"])
	if len(data) == 0 || data[0] != '[' {
		return []models.RawChainItem{}, nil
	}

	var items []models.RawChainItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("records.data: %w", err)
	}
	if items == nil {
		items = []models.RawChainItem{}
	}
	return items, nil
}
