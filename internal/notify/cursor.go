package notify

import "sync"

// FetchPage returns up to limit items starting at offset.
type FetchPage func(offset, limit int) []string

// SubscriptionCursor lazily enumerates a user's room subscriptions one
// page at a time. Each fetch asks for one item beyond the page size; the
// extra item only signals that another page exists and is never yielded.
// Close releases the cursor's resources and is guaranteed to run at most
// once, including when the consumer stops early.
type SubscriptionCursor struct {
	fetch    FetchPage
	pageSize int
	onClose  func()

	mu        sync.Mutex
	buf       []string
	offset    int
	exhausted bool
	closed    bool
}

// NewSubscriptionCursor builds a cursor over fetch. onClose may be nil.
func NewSubscriptionCursor(fetch FetchPage, pageSize int, onClose func()) *SubscriptionCursor {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &SubscriptionCursor{fetch: fetch, pageSize: pageSize, onClose: onClose}
}

// Next yields the next item, fetching the next page when the buffer runs
// out. Returns false once the sequence ends or the cursor is closed.
func (c *SubscriptionCursor) Next() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", false
	}
	if len(c.buf) == 0 {
		if c.exhausted {
			return "", false
		}
		page := c.fetch(c.offset, c.pageSize+1)
		if len(page) > c.pageSize {
			page = page[:c.pageSize]
		} else {
			c.exhausted = true
		}
		c.offset += len(page)
		if len(page) == 0 {
			return "", false
		}
		c.buf = page
	}
	item := c.buf[0]
	c.buf = c.buf[1:]
	return item, true
}

// Reset rewinds the cursor to the start. No-op after Close.
func (c *SubscriptionCursor) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.buf = nil
	c.offset = 0
	c.exhausted = false
}

// Close releases the cursor. Safe to call more than once; the release
// hook runs only the first time.
func (c *SubscriptionCursor) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}
