package membership

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.miragespace.co/conclave/metrics"
	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jedib0t/go-pretty/v6/table"
)

const rttWindow = time.Second * 10

// StatsHandler serves a plain text summary at /stats, the monitoring ring as
// DOT at /ring and prometheus metrics at /metrics.
func (m *Manager) StatsHandler() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.NoCache)
	router.Get("/stats", m.printSummary)
	router.Get("/ring", m.ringGraph)
	router.Handle("/metrics", metrics.MetricsHandler())

	return router
}

func (m *Manager) printSummary(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; charset=utf-8")

	view := m.CurrentView()
	coord := m.Coordinator()

	fmt.Fprintf(w, "Current state: %s\n", m.state.Get().String())
	fmt.Fprintf(w, "State history: %v\n", m.state.History())
	fmt.Fprintf(w, "---\n")
	fmt.Fprintf(w, "Inbound qps: %.2f\n", m.inbound.RatePer(time.Second))
	fmt.Fprintf(w, "View: %s (fingerprint %x)\n", view.ID(), view.Fingerprint())
	fmt.Fprintf(w, "---\n")

	membersTable := table.NewWriter()
	membersTable.SetOutputMirror(w)
	membersTable.AppendHeader(table.Row{"Ordinal", "Address", "Started At", "Role", "RTT (-10s)"})
	for _, member := range view.Members() {
		role := ""
		switch {
		case membership.SameMember(member, coord) && membership.SameMember(member, m.self):
			role = "coordinator (self)"
		case membership.SameMember(member, coord):
			role = "coordinator"
		case membership.SameMember(member, m.self):
			role = "self"
		case m.isExcluded(member):
			role = "confirmed failed"
		}
		membersTable.AppendRow(table.Row{
			member.GetOrdinal(),
			member.GetAddress(),
			time.Unix(0, member.GetStartedAt()).UTC().Format(time.RFC3339),
			role,
			m.RTT(member, rttWindow).String(),
		})
	}
	membersTable.SetCaption("(%d members)", view.Size())
	membersTable.Render()

	fmt.Fprintf(w, "---\n")

	probes := m.detector.snapshot()
	sort.SliceStable(probes, func(i, j int) bool {
		return membership.CompareMember(probes[i].member, probes[j].member) < 0
	})
	probesTable := table.NewWriter()
	probesTable.SetOutputMirror(w)
	probesTable.AppendHeader(table.Row{"Monitored", "Misses", "Suspected", "Last Ack", "Last RTT"})
	for _, p := range probes {
		lastAck := "never"
		if !p.lastAck.IsZero() {
			lastAck = time.Since(p.lastAck).Round(time.Millisecond).String() + " ago"
		}
		probesTable.AppendRow(table.Row{
			p.member.String(),
			p.misses,
			p.suspected,
			lastAck,
			p.lastRTT.String(),
		})
	}
	probesTable.SetCaption("(monitoring %d successors)", m.MonitoredSuccessors)
	probesTable.Render()

	fmt.Fprintf(w, "---\n")

	suspicions := m.coordinator.suspicions.Snapshot(time.Now())
	suspicionsTable := table.NewWriter()
	suspicionsTable.SetOutputMirror(w)
	suspicionsTable.AppendHeader(table.Row{"Suspect", "Reporters"})
	for _, s := range suspicions {
		suspicionsTable.AppendRow(table.Row{s.suspect.String(), s.reporters})
	}
	suspicionsTable.SetCaption("(quorum %d within %s)", membership.SuspicionQuorum, m.SuspicionWindow)
	suspicionsTable.Render()
}

func formatMember(member *protocol.Member) string {
	return fmt.Sprintf("%s#%d", member.GetAddress(), member.GetOrdinal())
}

var vOptions = []func(*graph.VertexProperties){
	graph.VertexAttribute("shape", "box"),
}

var coordinatorVOptions = append(vOptions,
	graph.VertexAttribute("style", "filled"),
	graph.VertexAttribute("color", "yellow"),
)

var selfVOptions = append(vOptions,
	graph.VertexAttribute("style", "filled"),
	graph.VertexAttribute("color", "lightgrey"),
)

// ringGraph renders who monitors whom in the installed view.
func (m *Manager) ringGraph(w http.ResponseWriter, r *http.Request) {
	view := m.CurrentView()
	if view == nil {
		http.Error(w, membership.ErrNotStarted.Error(), http.StatusServiceUnavailable)
		return
	}
	coord := m.Coordinator()

	ring := graph.New(formatMember, graph.Directed())
	members := view.Members()
	for _, member := range members {
		switch {
		case membership.SameMember(member, coord):
			ring.AddVertex(member, coordinatorVOptions...)
		case membership.SameMember(member, m.self):
			ring.AddVertex(member, selfVOptions...)
		default:
			ring.AddVertex(member, vOptions...)
		}
	}
	for _, member := range members {
		for _, succ := range membership.Successors(view, member, m.MonitoredSuccessors) {
			ring.AddEdge(formatMember(member), formatMember(succ))
		}
	}

	w.Header().Set("content-type", "text/plain")
	draw.DOT(ring, w)
}
