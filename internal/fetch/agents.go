package fetch

import "math/rand/v2"

// userAgents are current desktop browser strings presented when a config
// asks for a random agent.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:109.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
}

// RandomUserAgent returns one of the built-in browser User-Agent strings.
func RandomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

// engineArgs renders p's flags, adding a User-Agent when the config asks for
// a random one and does not pin its own.
func (f *Fetcher) engineArgs(p Params) []string {
	args := p.Options.Args()
	if p.Options.RandomAgent() && !p.Options.HasFlag("user-agent") {
		args = append(args, "--user-agent", f.pickAgent())
	}
	return args
}
