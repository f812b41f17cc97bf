package search

// TaskRecord is the data we index for a task. Creator and assignees are
// filterable so results can be scoped to what the searcher may read.
type TaskRecord struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	CreatorID   string   `json:"creatorId"`
	AssigneeIDs []string `json:"assigneeIds"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// Query describes a search request. ActorID scopes the hits to tasks the
// actor created or is assigned to.
type Query struct {
	Text    string
	ActorID string
	Limit   int
	Offset  int
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

// Indexer can push tasks into a search index.
type Indexer interface {
	IndexTask(record TaskRecord) error
	RemoveTask(id string) error
}
