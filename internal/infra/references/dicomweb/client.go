// Package dicomweb provides ordered image references of a series from a DICOMweb (QIDO-RS)
// server.
package dicomweb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/mprview/errs"
	"github.com/coachpo/mprview/internal/domain/render"
)

const component = "dicomweb"

// DICOM JSON attribute tags.
const (
	tagSOPInstanceUID       = "00080018"
	tagStudyInstanceUID     = "0020000D"
	tagSeriesInstanceUID    = "0020000E"
	tagInstanceNumber       = "00200013"
	tagImagePositionPatient = "00200032"
	tagNumberOfFrames       = "00280008"
)

// Config configures the QIDO-RS client.
type Config struct {
	BaseURL           string
	QueryLimit        int
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	RetryInterval     time.Duration
	Timeout           time.Duration
	Headers           map[string]string
}

func (c Config) normalize() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.QueryLimit <= 0 {
		c.QueryLimit = 1000
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 250 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Client lists the instances of a series and returns them as WADO-RS locators ordered by
// instance number. The full listing is fetched when page 0 is requested; later pages are
// served from it.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger

	mu       sync.Mutex
	listings map[string][]render.ImageReference
}

// Option configures optional client behaviour.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// NewClient creates a QIDO-RS client.
func NewClient(cfg Config, logger *log.Logger, opts ...Option) (*Client, error) {
	cfg = cfg.normalize()
	if cfg.BaseURL == "" {
		return nil, errs.New(component, errs.CodeConfiguration, errs.WithMessage("base url required"))
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, errs.New(component, errs.CodeConfiguration, errs.WithMessage("invalid base url"), errs.WithCause(err))
	}
	if logger == nil {
		logger = log.New(os.Stdout, "dicomweb ", log.LstdFlags|log.Lmicroseconds)
	}
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:   logger,
		listings: make(map[string][]render.ImageReference),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// FetchOrderedReferences implements render.ReferenceProvider. Pages are zero-based.
func (c *Client) FetchOrderedReferences(ctx context.Context, seriesID string, page, limit int) ([]render.ImageReference, error) {
	seriesID = strings.TrimSpace(seriesID)
	if seriesID == "" || page < 0 || limit <= 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithSeries(seriesID),
			errs.WithMessage(fmt.Sprintf("invalid request page=%d limit=%d", page, limit)))
	}
	var refs []render.ImageReference
	if page == 0 {
		listing, err := c.listSeries(ctx, seriesID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.listings[seriesID] = listing
		c.mu.Unlock()
		refs = listing
	} else {
		c.mu.Lock()
		listing, ok := c.listings[seriesID]
		c.mu.Unlock()
		if !ok {
			var err error
			if listing, err = c.listSeries(ctx, seriesID); err != nil {
				return nil, err
			}
		}
		refs = listing
	}
	start := page * limit
	if start >= len(refs) {
		c.forget(seriesID)
		return nil, nil
	}
	end := start + limit
	if end > len(refs) {
		end = len(refs)
		defer c.forget(seriesID)
	}
	out := make([]render.ImageReference, end-start)
	copy(out, refs[start:end])
	return out, nil
}

func (c *Client) forget(seriesID string) {
	c.mu.Lock()
	delete(c.listings, seriesID)
	c.mu.Unlock()
}

func (c *Client) listSeries(ctx context.Context, seriesID string) ([]render.ImageReference, error) {
	var instances []instance
	for offset := 0; ; offset += c.cfg.QueryLimit {
		batch, err := c.queryWithRetry(ctx, seriesID, offset)
		if err != nil {
			return nil, err
		}
		instances = append(instances, batch...)
		if len(batch) < c.cfg.QueryLimit {
			break
		}
	}
	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].number < instances[j].number
	})
	refs := make([]render.ImageReference, 0, len(instances))
	for _, inst := range instances {
		refs = append(refs, c.reference(inst))
	}
	return refs, nil
}

func (c *Client) queryWithRetry(ctx context.Context, seriesID string, offset int) ([]instance, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInterval
	out, err := backoff.Retry(ctx, func() ([]instance, error) {
		return c.query(ctx, seriesID, offset)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Printf("series=%s offset=%d query failed, retrying in %s: %v", seriesID, offset, next, err)
		}),
	)
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errs.Cancelled(component, ctxErr)
	}
	var status *statusError
	if errors.As(err, &status) && status.code == http.StatusNotFound {
		return nil, errs.New(component, errs.CodeNotFound, errs.WithSeries(seriesID), errs.WithMessage("series not found"), errs.WithCause(err))
	}
	return nil, errs.New(component, errs.CodeUnavailable, errs.WithSeries(seriesID), errs.WithMessage("query instances"), errs.WithCause(err))
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("qido-rs status %d", e.code)
	}
	return fmt.Sprintf("qido-rs status %d: %s", e.code, e.body)
}

func (c *Client) query(ctx context.Context, seriesID string, offset int) ([]instance, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}
	params := url.Values{}
	params.Set("SeriesInstanceUID", seriesID)
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(c.cfg.QueryLimit))
	params.Add("includefield", tagInstanceNumber)
	params.Add("includefield", tagImagePositionPatient)
	params.Add("includefield", tagNumberOfFrames)
	target := c.cfg.BaseURL + "/instances?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/dicom+json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, fmt.Errorf("get %s: %w", target, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			return nil, backoff.RetryAfter(seconds)
		}
		return nil, &statusError{code: resp.StatusCode}
	case resp.StatusCode >= 500:
		return nil, &statusError{code: resp.StatusCode}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(&statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))})
	}

	var payload []map[string]attribute
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode instances: %w", err))
	}
	out := make([]instance, 0, len(payload))
	for _, attrs := range payload {
		inst := instance{
			study:    attrs[tagStudyInstanceUID].text(),
			series:   attrs[tagSeriesInstanceUID].text(),
			sop:      attrs[tagSOPInstanceUID].text(),
			number:   attrs[tagInstanceNumber].number(),
			position: attrs[tagImagePositionPatient].texts(),
			frames:   attrs[tagNumberOfFrames].number(),
		}
		if inst.series == "" {
			inst.series = seriesID
		}
		if inst.study == "" || inst.sop == "" {
			c.logger.Printf("series=%s skipping instance without study or sop uid", seriesID)
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (c *Client) reference(inst instance) render.ImageReference {
	locator := fmt.Sprintf("wadors:%s/studies/%s/series/%s/instances/%s/frames/1", c.cfg.BaseURL, inst.study, inst.series, inst.sop)
	meta := map[string]string{
		"SOPInstanceUID": inst.sop,
		"InstanceNumber": strconv.Itoa(inst.number),
	}
	if len(inst.position) == 3 {
		meta["ImagePositionPatient"] = strings.Join(inst.position, "\\")
	}
	if inst.frames > 0 {
		meta["NumberOfFrames"] = strconv.Itoa(inst.frames)
	}
	return render.ImageReference{StorageLocator: locator, SortingMetadata: meta}
}

type instance struct {
	study    string
	series   string
	sop      string
	number   int
	position []string
	frames   int
}
