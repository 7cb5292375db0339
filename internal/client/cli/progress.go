package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// progress redraws one status line, at most once per percent.
type progress struct {
	out     io.Writer
	total   int64
	lastPct int
	printed bool
}

func (p *progress) update(sent int64) {
	pct := 100
	if p.total > 0 {
		pct = int(sent * 100 / p.total)
	}
	if p.printed && pct == p.lastPct {
		return
	}
	p.lastPct = pct
	p.printed = true

	fmt.Fprintf(p.out, "\r%s / %s (%d%%)", humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(p.total)), pct)
}

func (p *progress) done() {
	if p.printed {
		fmt.Fprintln(p.out)
	}
}
