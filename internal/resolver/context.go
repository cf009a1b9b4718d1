package resolver

// Context is the private state of one top-level resolution call. It is never shared
// between calls, so concurrent resolutions cannot observe each other's visited sets.
type Context struct {
	visited  map[string]struct{}
	order    []string
	referers []string
	maxDepth int
	budget   int
	fetches  int
}

// NewContext returns a context bounded by maxDepth. The fetch budget is maxDepth+1.
func NewContext(maxDepth int, referer string) *Context {
	if maxDepth < 0 {
		maxDepth = 0
	}
	c := &Context{
		visited:  make(map[string]struct{}),
		maxDepth: maxDepth,
		budget:   maxDepth + 1,
	}
	if referer != "" {
		c.referers = append(c.referers, referer)
	}
	return c
}

// Visited reports whether u was already entered.
func (c *Context) Visited(u string) bool {
	_, ok := c.visited[u]
	return ok
}

// Visit records u. It returns false when u was already present.
func (c *Context) Visit(u string) bool {
	if c.Visited(u) {
		return false
	}
	c.visited[u] = struct{}{}
	c.order = append(c.order, u)
	return true
}

// Trail returns the visited URLs in visiting order.
func (c *Context) Trail() []string {
	return append([]string(nil), c.order...)
}

// MaxDepth is the deepest level that is fetched.
func (c *Context) MaxDepth() int {
	return c.maxDepth
}

// Fetches is the number of documents fetched so far.
func (c *Context) Fetches() int {
	return c.fetches
}

func (c *Context) spend() bool {
	if c.fetches >= c.budget {
		return false
	}
	c.fetches++
	return true
}

// Referer returns the page that linked to the node being fetched.
func (c *Context) Referer() string {
	if len(c.referers) == 0 {
		return ""
	}
	return c.referers[len(c.referers)-1]
}

func (c *Context) push(u string) {
	c.referers = append(c.referers, u)
}

func (c *Context) pop() {
	if len(c.referers) > 0 {
		c.referers = c.referers[:len(c.referers)-1]
	}
}
