// Package triage classifies open dependency-bump pull requests and advances
// them through the plan tool workflow.
//
// A pull request is processed in a read, decide, act cycle:
//
// - Its comments, reviews, labels and status are read from GitHub.
//
// - The comment history is folded into Signals by Parse.
//
// - Classify maps the pull request and its signals to exactly one State.
//
// - The Executor runs the single action for that State.
//
// No state is kept between runs. The comment thread and the labels at
// GitHub are the only record of the progress of a pull request, the
// automerge_ignore and automerge_no_project labels make a pull request
// terminal. Running triage repeatedly without changes on GitHub does not
// cause additional write operations for pull requests that wait for a plan
// result or that are terminal.
//
// Pull requests are processed sequentially. Failures are isolated per pull
// request and are not retried within a run, the next scheduled run retries
// them.
package triage
