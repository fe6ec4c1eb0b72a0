/*
Package workflow compiles and executes task DAGs.

A workflow declares stages (task templates) and edges between them.
Compile validates the graph and flattens it with Kahn's algorithm into an
execution plan of topological levels; cycles, references to undeclared
stages and malformed edge conditions are compilation errors, so a bad
workflow never produces a run.

The engine walks the plan one level at a time. Templates whose edge
conditions evaluate false against the run context are Skipped; the rest
are instantiated (with ${...} placeholders resolved from upstream outputs
and run inputs) and submitted to the task processor in parallel. A level
advances only when every task in it is terminal. A failing task fails the
run unless its stage declares continue_on_failure, in which case the
error record takes the stage's output slot and the run continues.

Edge conditions are a small boolean language over upstream results:
==, !=, &&, || and ! on $stage.status and $stage.output.path values.
*/
package workflow
