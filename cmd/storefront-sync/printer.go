package main

import (
	"sync"

	"storefront/internal/v2/chat"
	"storefront/internal/v2/paymentwatch"
	"storefront/internal/v2/types"
)

type printfFunc func(format string, args ...interface{})

// transcriptPrinter prints each confirmed message once, in transcript order
type transcriptPrinter struct {
	printf printfFunc

	mu      sync.Mutex
	version uint64
	printed map[string]bool
}

func newTranscriptPrinter(printf printfFunc) *transcriptPrinter {
	return &transcriptPrinter{printf: printf, printed: make(map[string]bool)}
}

func (p *transcriptPrinter) OnTranscript(snap chat.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.Version <= p.version {
		return
	}
	p.version = snap.Version
	for _, m := range snap.Messages {
		if m.Pending || p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		who := "buyer"
		if m.AuthorKind == types.AuthorAdmin {
			who = "admin"
		}
		p.printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), who, m.Content)
	}
}

func (p *transcriptPrinter) OnDegraded(orderID int64, degraded bool) {
	if degraded {
		p.printf("~ connection lost, retrying\n")
	} else {
		p.printf("~ connection restored\n")
	}
}

type phasePrinter struct {
	printf printfFunc

	mu   sync.Mutex
	last paymentwatch.Phase
}

func (p *phasePrinter) OnPaymentState(st paymentwatch.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.Phase == p.last {
		return
	}
	p.last = st.Phase
	if st.Err != nil {
		p.printf("payment %s after %.1fs: %v\n", st.Phase, float64(st.ElapsedMs)/1000, st.Err)
		return
	}
	p.printf("payment %s (%.1fs)\n", st.Phase, float64(st.ElapsedMs)/1000)
}
