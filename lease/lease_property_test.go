package lease

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/weave/store"
	"goa.design/weave/store/inmem"
	"goa.design/weave/workflow"
)

// TestLeaseMutualExclusionProperty drives random interleavings of acquire,
// release and clock advances from several engines against one instance and
// checks the grant rule: a lease is handed out only when it is free, expired,
// or already held by the caller. Two live owners never coexist.
func TestLeaseMutualExclusionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	const ttl = time.Minute
	owners := []string{"engine-a", "engine-b", "engine-c"}

	properties.Property("at most one live owner per instance", prop.ForAll(
		func(ops []int) bool {
			now := time.Unix(1700000000, 0)
			st := inmem.New(inmem.WithClock(func() time.Time { return now }))
			ctx := context.Background()
			def := &workflow.Definition{
				Name: "leased", Version: "1", Status: workflow.StatusActive,
				Nodes: []workflow.Node{{ID: "a", Type: workflow.NodeTask, Executor: "noop"}},
			}
			if err := st.PutDefinition(ctx, def); err != nil {
				return false
			}
			inst, err := st.CreateInstance(ctx, def.Ref(), nil, store.CreateOptions{})
			if err != nil {
				return false
			}

			// Model: who holds the lease and until when.
			holder := ""
			var expiry time.Time
			live := func() string {
				if holder != "" && expiry.After(now) {
					return holder
				}
				return ""
			}
			for _, op := range ops {
				owner := owners[op%len(owners)]
				switch (op / len(owners)) % 3 {
				case 0: // acquire
					got, err := st.AcquireLease(ctx, inst.ID, owner, ttl)
					if err != nil {
						return false
					}
					want := live() == "" || live() == owner
					if (got != nil) != want {
						return false
					}
					if got != nil {
						holder, expiry = owner, now.Add(ttl)
					}
				case 1: // release
					if err := st.ReleaseLease(ctx, inst.ID, owner); err != nil {
						return false
					}
					if live() == owner {
						holder = ""
					}
				default: // let time pass toward expiry
					now = now.Add(ttl / 2)
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 26)),
	))

	properties.TestingRun(t)
}
