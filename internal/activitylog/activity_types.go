package activitylog

// Activity types written by the scrape and notify pipelines. Runs and their
// per-URL units use distinct types so a run lookup never sees a child row.
const (
	TypeScrapeURLs   = "scrape_urls"
	TypeScrapeURL    = "scrape_url"
	TypeSendToAPI    = "send_to_api"
	TypeSendURLToAPI = "send_url_to_api"
)

// Target tables.
const (
	TableRun = "run"
	TableURL = "url"
)

// RunTypes is the lock scope shared by both pipelines: neither starts while a
// run of the other is IN_PROGRESS.
var RunTypes = []string{TypeScrapeURLs, TypeSendToAPI}
