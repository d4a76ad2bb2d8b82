package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultChange  ResultType = "change"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	ContractID string     `json:"contractId"`
	Category   string     `json:"category,omitempty"`
	Status     string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterContractID string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ChangeRecord is the data indexed for a detected change.
type ChangeRecord struct {
	ID         string `json:"id"`
	ChangeType string `json:"changeType"`
	Category   string `json:"category"`
	Status     string `json:"status"`
	BeforeText string `json:"beforeText"`
	AfterText  string `json:"afterText"`
	ContractID string `json:"contractId"`
}

// CommentRecord is the data indexed for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	Author     string `json:"author"`
	Body       string `json:"body"`
	Status     string `json:"status"`
	ContractID string `json:"contractId"`
}
