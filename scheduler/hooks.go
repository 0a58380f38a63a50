package scheduler

import (
	"fmt"

	"github.com/pydpiper-project/pydpiper-core/coreengine/kernel"
	"github.com/pydpiper-project/pydpiper-core/dag"
)

// runCompletionHooks evaluates a stage's completion-time hooks in order. A
// HookEmitVerificationImage failure or a HookRegisterFollowupStage failure
// both fail the whole call, per the resolved Open Question that any
// completion-hook failure is treated as a stage failure. Follow-up specs
// returned by HookRegisterFollowupStage hooks are collected by
// evaluateCompletionHooks but discarded here: runCompletionHooks returns
// only the error, and no follow-up stage is added to the graph.
func runCompletionHooks(st *dag.Stage, log kernel.Logger) error {
	_, err := evaluateCompletionHooks(st, log)
	return err
}

// evaluateCompletionHooks runs every hook and collects any follow-up stage
// specs it produced. Hook bodies are caller-supplied closures (the pipeline
// builder's, not ours), so each call is panic-recovered the same way the
// kernel guards its own plugin-style callbacks.
func evaluateCompletionHooks(st *dag.Stage, log kernel.Logger) ([]*dag.Spec, error) {
	var followups []*dag.Spec
	for i, h := range st.CompletionHooks {
		switch h.Kind {
		case dag.HookEmitVerificationImage:
			if h.EmitVerificationImage == nil {
				continue
			}
			if _, err := kernel.SafeExecuteWithResult(log, "completion-hook:emit-verification-image", func() (struct{}, error) {
				_, err := h.EmitVerificationImage()
				return struct{}{}, err
			}); err != nil {
				return nil, fmt.Errorf("stage %s: completion hook %d (emit-verification-image): %w", st.ID, i, err)
			}
		case dag.HookRegisterFollowupStage:
			if h.RegisterFollowupStage == nil {
				continue
			}
			spec, err := kernel.SafeExecuteWithResult(log, "completion-hook:register-followup-stage", h.RegisterFollowupStage)
			if err != nil {
				return nil, fmt.Errorf("stage %s: completion hook %d (register-followup-stage): %w", st.ID, i, err)
			}
			if spec != nil {
				followups = append(followups, spec)
			}
		case dag.HookRecomputeMemory:
			// Recompute-memory is a runnable-time hook, not completion-time;
			// a stage that lists it among CompletionHooks is a builder bug,
			// but we don't fail the run for it — it's a no-op here.
		}
	}
	return followups, nil
}
