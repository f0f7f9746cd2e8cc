package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// PageStrategy selects how a paginated traversal addresses successive
// pages.
type PageStrategy string

const (
	// StrategyPage increments a page number until the upstream reports
	// the last page or returns an empty page.
	StrategyPage PageStrategy = "page"

	// StrategyCursor follows the cursor each response hands back.
	StrategyCursor PageStrategy = "cursor"

	// StrategyOffset advances a row offset by the page size.
	StrategyOffset PageStrategy = "offset"

	// StrategyBatchIDs partitions a caller-supplied identifier list into
	// chunks and issues one call per chunk.
	StrategyBatchIDs PageStrategy = "batch_ids"
)

// Request parameter names the pager renders for each strategy.
const (
	pageParam      = "page"
	cursorParam    = "cursor"
	offsetParam    = "offset"
	limitParam     = "limit"
	defaultIDParam = "ids"
)

// Envelope names the response fields the pager reads. Zero-value fields
// fall back to the defaults, so configure only what the upstream renames.
type Envelope struct {
	// Items is the field holding the page's records. Default "items".
	Items string

	// TotalPages is the field advertising the page count, read under
	// StrategyPage. Default "total_pages".
	TotalPages string

	// NextCursor is the field carrying the follow-up cursor. Default
	// "next_cursor".
	NextCursor string

	// HasMore is the field flagging that more pages exist. Default
	// "has_more".
	HasMore string

	// Total is the field advertising the row count, read under
	// StrategyOffset. Default "total".
	Total string

	// ExpectedCount is the field advertising how many records the page
	// should hold; fewer marks the page partial. Default
	// "expected_count".
	ExpectedCount string
}

func (e Envelope) withDefaults() Envelope {
	if e.Items == "" {
		e.Items = "items"
	}
	if e.TotalPages == "" {
		e.TotalPages = "total_pages"
	}
	if e.NextCursor == "" {
		e.NextCursor = "next_cursor"
	}
	if e.HasMore == "" {
		e.HasMore = "has_more"
	}
	if e.Total == "" {
		e.Total = "total"
	}
	if e.ExpectedCount == "" {
		e.ExpectedCount = "expected_count"
	}
	return e
}

// PageConfig describes one paginated traversal. Strategy is required, and
// only the fields belonging to that strategy may be set; populating a
// field from another strategy is a configuration error.
type PageConfig struct {
	// Strategy selects how successive pages are addressed.
	Strategy PageStrategy

	// Params are base query parameters sent with every page. The pager
	// adds its own strategy parameters (page, cursor, offset, limit,
	// ids) on top.
	Params Params

	// Headers merge over the source's default headers for every page.
	Headers map[string]string

	// StartPage is the first page number for StrategyPage. Zero means 1.
	StartPage int

	// Cursor seeds StrategyCursor. Empty starts at the upstream default;
	// every later cursor comes from the responses, never extended or
	// inferred locally.
	Cursor string

	// StartOffset is the first row offset for StrategyOffset.
	StartOffset int

	// PageSize is the rows-per-page limit for StrategyOffset. Required
	// for it; other strategies take their page size through Params.
	PageSize int

	// IDs is the identifier list for StrategyBatchIDs.
	IDs []string

	// BatchSize caps identifiers per call for StrategyBatchIDs. Zero
	// falls back to the source's configured BatchSize.
	BatchSize int

	// IDParam is the query parameter carrying a chunk's identifiers,
	// comma-joined. Default "ids".
	IDParam string

	// Envelope names the response fields the pager reads.
	Envelope Envelope
}

// pageField ties a strategy-state field to the strategy that owns it, for
// the mutual-exclusion check.
type pageField struct {
	name  string
	owner PageStrategy
	set   bool
}

func (cfg PageConfig) strategyFields() []pageField {
	return []pageField{
		{"StartPage", StrategyPage, cfg.StartPage != 0},
		{"Cursor", StrategyCursor, cfg.Cursor != ""},
		{"StartOffset", StrategyOffset, cfg.StartOffset != 0},
		{"PageSize", StrategyOffset, cfg.PageSize != 0},
		{"IDs", StrategyBatchIDs, len(cfg.IDs) != 0},
		{"BatchSize", StrategyBatchIDs, cfg.BatchSize != 0},
		{"IDParam", StrategyBatchIDs, cfg.IDParam != ""},
	}
}

func (cfg PageConfig) validate() error {
	switch cfg.Strategy {
	case StrategyPage, StrategyCursor, StrategyOffset, StrategyBatchIDs:
	case "":
		return &ConfigError{Field: "Strategy", Reason: "required"}
	default:
		return &ConfigError{Field: "Strategy", Reason: fmt.Sprintf("unknown strategy %q", cfg.Strategy)}
	}

	for _, f := range cfg.strategyFields() {
		if f.set && f.owner != cfg.Strategy {
			return &ConfigError{
				Field:  f.name,
				Reason: fmt.Sprintf("belongs to strategy %q, not %q", f.owner, cfg.Strategy),
			}
		}
	}

	switch cfg.Strategy {
	case StrategyPage:
		if cfg.StartPage < 0 {
			return &ConfigError{Field: "StartPage", Reason: "must not be negative"}
		}
	case StrategyOffset:
		if cfg.PageSize < 1 {
			return &ConfigError{Field: "PageSize", Reason: "must be at least 1"}
		}
		if cfg.StartOffset < 0 {
			return &ConfigError{Field: "StartOffset", Reason: "must not be negative"}
		}
	case StrategyBatchIDs:
		if cfg.BatchSize < 0 {
			return &ConfigError{Field: "BatchSize", Reason: "must not be negative"}
		}
	}
	return nil
}

// Page is one delivered page of a traversal.
type Page struct {
	// Items are the page's records.
	Items []any

	// Number is the page's 1-based position among delivered pages.
	Number int

	// Raw is the full parsed response body the items came from.
	Raw any
}

// Pager walks one paginated traversal lazily, fetching a page per Next
// call. It is not restartable and not safe for concurrent use; construct a
// fresh one per traversal. The construction context governs every fetch.
//
//	pager, err := client.Paginate(ctx, "/molecule", apiclient.PageConfig{
//	    Strategy: apiclient.StrategyPage,
//	    Params:   apiclient.Params{"page_size": "100"},
//	})
//	if err != nil {
//	    return err
//	}
//	for pager.Next() {
//	    process(pager.Page().Items)
//	}
//	if err := pager.Err(); err != nil {
//	    return err
//	}
//
// A page holding fewer records than the upstream advertised is not
// delivered in place: it is queued and re-fetched in a post-pass after the
// main traversal, bounded by the source's MaxPartialRetries. A page whose
// shortfall survives the bound surfaces through Err as RetryExhaustedError.
type Pager struct {
	client   *Client
	ctx      context.Context
	endpoint string
	cfg      PageConfig
	env      Envelope

	pageNum    int
	cursor     string
	offset     int
	chunks     [][]string
	chunkIdx   int
	totalPages int
	total      int

	mainDone  bool
	done      bool
	err       error
	current   Page
	delivered int
	queue     *retryQueue
}

// Paginate validates cfg and builds a Pager over endpoint. Configuration
// errors surface here, before any network call.
func (c *Client) Paginate(ctx context.Context, endpoint string, cfg PageConfig) (*Pager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pager{
		client:     c,
		ctx:        ctx,
		endpoint:   endpoint,
		cfg:        cfg,
		env:        cfg.Envelope.withDefaults(),
		totalPages: -1,
		total:      -1,
		queue:      &retryQueue{},
	}

	switch cfg.Strategy {
	case StrategyPage:
		p.pageNum = cfg.StartPage
		if p.pageNum < 1 {
			p.pageNum = 1
		}
	case StrategyCursor:
		p.cursor = cfg.Cursor
	case StrategyOffset:
		p.offset = cfg.StartOffset
	case StrategyBatchIDs:
		size := cfg.BatchSize
		if size < 1 {
			size = c.cfg.BatchSize
		}
		p.chunks = chunkIDs(cfg.IDs, size)
		if len(p.chunks) == 0 {
			p.mainDone = true
		}
	}

	return p, nil
}

// Next fetches the next page, reporting whether one is available through
// Page. It returns false when the traversal ends or fails; check Err
// afterwards.
func (p *Pager) Next() bool {
	if p.done || p.err != nil {
		return false
	}

	for {
		if p.mainDone {
			return p.nextRequeued()
		}

		params, chunkLen := p.pageParams()
		d, err := p.fetchPage(params, false)
		if err != nil {
			p.fail(err)
			return false
		}
		p.advance(d)

		exp := d.expected
		if exp < 0 && chunkLen > 0 {
			exp = chunkLen
		}
		if exp >= 0 && len(d.items) < exp {
			p.queuePartial(params, exp, len(d.items), 0)
			continue
		}
		if len(d.items) == 0 {
			continue
		}

		p.deliver(d)
		return true
	}
}

// nextRequeued drains the partial-page queue in arrival order, delivering
// each page once a re-fetch comes back whole.
func (p *Pager) nextRequeued() bool {
	for {
		it, ok := p.queue.pop()
		if !ok {
			p.done = true
			return false
		}
		it.attempt++

		d, err := p.fetchPage(it.params, true)
		if err != nil {
			p.fail(err)
			return false
		}

		exp := d.expected
		if exp < 0 {
			exp = it.expected
		}
		if exp >= 0 && len(d.items) < exp {
			if it.attempt >= p.client.cfg.MaxPartialRetries {
				p.fail(&RetryExhaustedError{
					Source:   p.client.cfg.Name,
					Endpoint: it.endpoint,
					Attempts: it.attempt,
					Last: &PartialFailureError{
						Endpoint: it.endpoint,
						Params:   it.params,
						Expected: exp,
						Received: len(d.items),
						Attempt:  it.attempt,
					},
				})
				return false
			}
			p.queuePartial(it.params, exp, len(d.items), it.attempt)
			continue
		}

		p.deliver(d)
		return true
	}
}

// Page returns the page the last successful Next produced.
func (p *Pager) Page() Page {
	return p.current
}

// Err returns the error that ended the traversal, nil after a clean
// finish.
func (p *Pager) Err() error {
	return p.err
}

// Pending reports how many partial pages still await a re-fetch.
func (p *Pager) Pending() int {
	return p.queue.size()
}

func (p *Pager) fail(err error) {
	p.err = err
	p.done = true
}

func (p *Pager) deliver(d pageData) {
	p.delivered++
	p.current = Page{Items: d.items, Number: p.delivered, Raw: d.raw}
	p.client.icfg.Metrics.recordPage(p.ctx, p.client.cfg.Name, string(p.cfg.Strategy))
}

func (p *Pager) queuePartial(params Params, expected, received, attempt int) {
	p.client.counters.partialFailures.Add(1)
	p.client.icfg.Metrics.recordPartialFailure(p.ctx, p.client.cfg.Name)
	p.client.log.Warn().
		Str("endpoint", p.endpoint).
		Int("expected", expected).
		Int("received", received).
		Int("attempt", attempt).
		Msg("partial page, queued for retry")
	p.queue.push(retryItem{
		endpoint: p.endpoint,
		params:   params,
		expected: expected,
		attempt:  attempt,
	})
}

// pageParams renders the current traversal position as query parameters.
// For StrategyBatchIDs it also returns the chunk length, the expected
// record count when the envelope does not advertise one.
func (p *Pager) pageParams() (Params, int) {
	params := p.cfg.Params.Clone()

	switch p.cfg.Strategy {
	case StrategyPage:
		params[pageParam] = strconv.Itoa(p.pageNum)
	case StrategyCursor:
		if p.cursor != "" {
			params[cursorParam] = p.cursor
		}
	case StrategyOffset:
		params[offsetParam] = strconv.Itoa(p.offset)
		params[limitParam] = strconv.Itoa(p.cfg.PageSize)
	case StrategyBatchIDs:
		chunk := p.chunks[p.chunkIdx]
		name := p.cfg.IDParam
		if name == "" {
			name = defaultIDParam
		}
		params[name] = strings.Join(chunk, ",")
		return params, len(chunk)
	}
	return params, -1
}

// advance moves the traversal position past the page just fetched and
// decides whether the main pass is over.
func (p *Pager) advance(d pageData) {
	switch p.cfg.Strategy {
	case StrategyPage:
		if d.totalPages >= 0 {
			p.totalPages = d.totalPages
		}
		if len(d.items) == 0 || (p.totalPages >= 0 && p.pageNum >= p.totalPages) {
			p.mainDone = true
		}
		p.pageNum++
	case StrategyCursor:
		// The cursor is upstream-owned: an explicit has_more=false or a
		// missing cursor ends the traversal, whatever else the page
		// holds.
		if len(d.items) == 0 || (d.hasMoreSet && !d.hasMore) || d.nextCursor == "" {
			p.mainDone = true
		}
		p.cursor = d.nextCursor
	case StrategyOffset:
		if d.total >= 0 {
			p.total = d.total
		}
		p.offset += p.cfg.PageSize
		if len(d.items) == 0 || (p.total >= 0 && p.offset >= p.total) {
			p.mainDone = true
		}
	case StrategyBatchIDs:
		// Chunks are independent; only running out of them ends the
		// pass.
		p.chunkIdx++
		if p.chunkIdx >= len(p.chunks) {
			p.mainDone = true
		}
	}
}

func (p *Pager) fetchPage(params Params, refresh bool) (pageData, error) {
	body, err := p.client.Request(p.ctx, http.MethodGet, p.endpoint, &RequestOptions{
		Params:       params,
		Headers:      p.cfg.Headers,
		ForceRefresh: refresh,
	})
	if err != nil {
		return pageData{}, err
	}
	return extractPage(body, p.env), nil
}

// pageData is one response reduced to the envelope fields the traversal
// reads. Negative counts mean the upstream did not advertise them.
type pageData struct {
	raw        any
	items      []any
	totalPages int
	total      int
	expected   int
	nextCursor string
	hasMore    bool
	hasMoreSet bool
}

// extractPage reads the envelope out of a parsed body. A bare array is its
// own page with no envelope; a single-key object wrapping another object
// is unwrapped one level, which covers XML roots and data-wrapped JSON.
func extractPage(body any, env Envelope) pageData {
	d := pageData{raw: body, totalPages: -1, total: -1, expected: -1}

	switch v := body.(type) {
	case []any:
		d.items = v
	case map[string]any:
		m := v
		if _, ok := m[env.Items]; !ok && len(m) == 1 {
			for _, inner := range m {
				if im, ok := inner.(map[string]any); ok {
					m = im
				}
			}
		}

		switch items := m[env.Items].(type) {
		case nil:
		case []any:
			d.items = items
		default:
			// XML folds a single repeated element into a scalar.
			d.items = []any{items}
		}
		if n, ok := envelopeInt(m[env.TotalPages]); ok {
			d.totalPages = n
		}
		if n, ok := envelopeInt(m[env.Total]); ok {
			d.total = n
		}
		if n, ok := envelopeInt(m[env.ExpectedCount]); ok {
			d.expected = n
		}
		if s, ok := envelopeString(m[env.NextCursor]); ok {
			d.nextCursor = s
		}
		if b, ok := envelopeBool(m[env.HasMore]); ok {
			d.hasMore = b
			d.hasMoreSet = true
		}
	}
	return d
}

// envelopeInt coerces a parsed envelope field to an int. JSON numbers
// arrive as float64, XML ones as strings.
func envelopeInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func envelopeString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, s != ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return "", false
	}
}

func envelopeBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, false
		}
		return parsed, true
	default:
		return false, false
	}
}

func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
