package core

// Resolution is the eligibility decision for one stage.
type Resolution struct {
	Stage    Stage
	Eligible bool
	Reason   Reason // set when not eligible
	Blocker  string // upstream stage responsible for ReasonUpstreamSkipped
}

// Resolve orders g's stages topologically and decides, for ctx, which of them
// may run. A stage is eligible when its predicate passes and every dependency
// is eligible; otherwise it is skipped, and the skip propagates to everything
// downstream of it.
func Resolve(g *Graph, ctx *Context) []Resolution {
	out := make([]Resolution, 0, len(g.order))
	eligible := make([]bool, len(g.stages))

	for _, idx := range g.order {
		st := g.stages[idx]
		res := Resolution{Stage: st.clone(), Eligible: true}

		for _, d := range g.deps[idx] {
			if !eligible[d] {
				res.Eligible = false
				res.Reason = ReasonUpstreamSkipped
				res.Blocker = g.stages[d].Name
				break
			}
		}
		if res.Eligible && !st.Predicate.eval(ctx) {
			res.Eligible = false
			res.Reason = ReasonPredicate
		}

		eligible[idx] = res.Eligible
		out = append(out, res)
	}
	return out
}
