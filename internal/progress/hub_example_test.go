package progress

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// siteTally counts successful fetches per site.
type siteTally map[string]int

func (t siteTally) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		if evt.Stage == StageFetchDone && evt.OK {
			t[evt.Site]++
		}
	}
	return nil
}

func (siteTally) Close(context.Context) error { return nil }

func ExampleHub() {
	tally := siteTally{}
	hub := NewHub(Config{MaxBatchEvents: 2, MaxBatchWait: time.Second}, tally)

	at := time.Unix(1700000000, 0).UTC()
	for _, u := range []struct{ site, url string }{
		{"videos.example.org", "https://videos.example.org/watch?v=1"},
		{"videos.example.org", "https://videos.example.org/watch?v=2"},
		{"audio.example.net", "https://audio.example.net/track/7"},
	} {
		hub.Emit(Event{JobID: "job-42", TS: at, Stage: StageFetchDone, Site: u.site, URL: u.url, OK: true})
	}
	if err := hub.Close(context.Background()); err != nil {
		fmt.Println(err)
		return
	}

	sites := make([]string, 0, len(tally))
	for site := range tally {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	for _, site := range sites {
		fmt.Printf("%s: %d\n", site, tally[site])
	}
	// Output:
	// audio.example.net: 1
	// videos.example.org: 2
}
