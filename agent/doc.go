// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package agent drives a paper reproduction run through its phases.

# Overview

Runner is a resumable state machine over workflow.WorkflowState. Each call to
Step advances the run by exactly one phase: it asks a collaborator for work,
passes the result through the revision gates, and lets workflow.Supervisor
decide what happens once a stage has been analyzed. Run loops Step until the
run finishes, the context is cancelled, or the run suspends and no prompter
can answer.

	planning -> plan_review -> select_stage -> design -> design_review
	  -> code_generate -> code_review -> execution -> execution_check
	  -> physics_check -> analysis -> supervision -> select_stage ...

# Collaborators

Planner, PlanReviewer, Designer, DesignReviewer, CodeGenerator, CodeReviewer,
Executor, ExecutionValidator, PhysicsChecker and Analyzer are small interfaces
bundled in Collaborators. Reviewers and validators may be nil, which counts
as approval. A collaborator error does not lose state: the runner saves a
checkpoint and the next Step retries the same phase.

# Ask-user

When a gate is exhausted, a backtrack needs approval, or a material stage
completes, the runner suspends through hitl.Protocol. Answers arrive via
Resume (for example from a resumed process) or Interact (a synchronous
Prompter). The first word of an answer is the command:

  - material_checkpoint: APPROVE promotes pending materials, REJECT <reason> reruns the stage
  - *_limit: RETRY <hint>, SKIP, REPLAN <guidance>
  - backtrack_approval: APPROVE or REJECT
  - invalid backtrack target: BACKTRACK <stage_id> or CONTINUE
  - STOP ends the run from any trigger

Anything else is kept as free-text guidance. A forced answer (third failed
attempt) takes the conservative branch for its trigger.

# Options

	runner, err := agent.NewRunner(collab,
		agent.WithLimits(cfg.Limits()),
		agent.WithCheckpoints(workflow.NewManager(store, logger)),
		agent.WithMetrics(collector),
		agent.WithLogger(logger),
	)
*/
package agent
