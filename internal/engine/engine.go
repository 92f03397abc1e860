// Package engine composes one full agent run: spec resolution, target
// acquisition, execution backend preparation, agent invocation, event
// normalization, metrics, report validation, and the verification gate.
// Everything after run-directory creation executes inside a single recovery
// region that guarantees error.json and sandbox teardown on every exit path.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/vsavkov/sortie/internal/adapter"
	"github.com/vsavkov/sortie/internal/capture"
	"github.com/vsavkov/sortie/internal/config"
	"github.com/vsavkov/sortie/internal/events"
	"github.com/vsavkov/sortie/internal/failure"
	"github.com/vsavkov/sortie/internal/gitutil"
	"github.com/vsavkov/sortie/internal/metrics"
	"github.com/vsavkov/sortie/internal/normalize"
	"github.com/vsavkov/sortie/internal/report"
	"github.com/vsavkov/sortie/internal/runspec"
	"github.com/vsavkov/sortie/internal/sandbox"
	"github.com/vsavkov/sortie/internal/target"
)

// Run artifact names the engine owns. The adapter owns its own set
// (raw_events.jsonl and friends).
const (
	TargetRefName       = "target_ref.json"
	EffectiveSpecName   = "effective_run_spec.json"
	PersonaSourceName   = "persona.source.md"
	PersonaResolvedName = "persona.resolved.md"
	MissionSourceName   = "mission.source.md"
	MissionResolvedName = "mission.resolved.md"
	PromptTemplateName  = "prompt.template.md"
	PromptName          = "prompt.txt"
	ReportSchemaName    = "report.schema.json"
	NormalizedName      = "normalized_events.jsonl"
	MetricsName         = "metrics.json"
	ReportJSONName      = "report.json"
	ReportMDName        = "report.md"
	DiffNumstatName     = "diff_numstat.json"
	PreflightName       = "preflight.json"
	ErrorName           = "error.json"
	TracebackName       = "traceback.txt"

	workspaceDirName    = "workspace"
	setupDirName        = "setup"
	verificationDirName = "verification"
)

// Execution backends.
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
)

// Run statuses.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// Request is the immutable input for one run.
type Request struct {
	Locator   string
	Agent     string
	Policy    string
	PersonaID string
	MissionID string
	Seed      int
	Model     string

	// ExecBackend is "local" (default) or "docker". DockerContext overrides
	// the policy's build-context directory.
	ExecBackend   string
	DockerContext string

	// VerifyCommands are the operator's post-run gate commands. The literal
	// token "rejected" (bare or quoted) short-circuits the gate.
	VerifyCommands []string

	ObfuscateAgentDocs bool
	KeepWorkspace      bool

	// Config is the loaded runner configuration; nil uses built-in defaults.
	Config *config.Config

	// CatalogRoot / RunsRoot override the config when non-empty.
	CatalogRoot string
	RunsRoot    string

	Clock  events.Clock
	Logger *slog.Logger
}

// Result describes a finished run. Err is nil exactly when ExitCode is 0.
type Result struct {
	RunDir     string
	Workspace  string
	CommitSHA  string
	Status     string
	ExitCode   int
	ReportPath string
	Validation []report.ValidationError
	Warnings   []string
	Err        *failure.StructuredError
}

// runner is the per-run mutable state threaded through the stages.
type runner struct {
	req   Request
	cfg   *config.Config
	log   *slog.Logger
	clock events.Clock

	runDir string
	agent  config.AgentConfig
	policy config.PolicyConfig
	spec   *runspec.Effective
	target *target.Acquired
	inst   sandbox.Instance
	prompt string

	adapterRes  *adapter.Result
	adapterErr  error
	runTimedOut bool
	stderrSynth bool

	normRes      *normalize.Result
	lastMessage  string
	metrics      *metrics.Metrics
	reportDoc    []byte
	reportSource report.Source

	res *Result
}

// Run executes the request end to end. It never returns a nil Result: even
// when the run directory itself cannot be created, the structured error is
// on Result.Err.
func Run(ctx context.Context, req Request) *Result {
	log := req.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := req.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg := req.Config
	if cfg == nil {
		cfg = config.Default()
	}

	r := &runner{
		req:   req,
		cfg:   cfg,
		log:   log,
		clock: clock,
		res:   &Result{Status: StatusFailed, ExitCode: 1},
	}

	runDir, err := allocateRunDir(r.runsRoot(), req.Locator, req.Agent, req.Seed, clock)
	if err != nil {
		r.res.Err = failure.Coerce(err)
		return r.res
	}
	r.runDir = runDir
	r.res.RunDir = runDir
	log.Info("run directory created", "agent", req.Agent, "dir", runDir)

	// A requested-ids stub makes the directory self-describing even when
	// resolution fails; resolveSpec overwrites it with the resolved form.
	if err := capture.WriteJSONAtomic(filepath.Join(runDir, EffectiveSpecName),
		runspec.Ref{PersonaID: req.PersonaID, MissionID: req.MissionID}); err != nil {
		r.res.Err = failure.Coerce(err)
		return r.res
	}

	serr := r.executeRecovering(ctx)
	r.finalize(serr)
	return r.res
}

// executeRecovering converts panics into structured errors with the stack
// persisted as a traceback artifact.
func (r *runner) executeRecovering(ctx context.Context) (serr *failure.StructuredError) {
	defer func() {
		if p := recover(); p != nil {
			stack := debug.Stack()
			tb := filepath.Join(r.runDir, TracebackName)
			if werr := os.WriteFile(tb, stack, 0o644); werr != nil {
				r.log.Error("could not persist panic traceback", "error", werr)
			}
			serr = failure.New(failure.TypeRunnerPanic,
				fmt.Sprintf("runner panicked: %v", p),
				"this is a runner bug; file an issue with traceback.txt attached")
			serr.TracebackArtifact = TracebackName
		}
	}()
	return r.execute(ctx)
}

// execute runs the stages in order. Stages that produce diagnostics rather
// than outcomes (metrics, diff capture) degrade to warnings instead of
// aborting the run.
func (r *runner) execute(ctx context.Context) *failure.StructuredError {
	if err := r.resolveInputs(); err != nil {
		return err
	}
	if err := r.resolveSpec(); err != nil {
		return err
	}
	if err := r.preflight(ctx); err != nil {
		return err
	}
	if err := r.acquireTarget(); err != nil {
		return err
	}
	if err := r.prepareBackend(ctx); err != nil {
		return err
	}
	if err := r.runSetup(ctx); err != nil {
		return err
	}
	if err := r.renderPrompt(); err != nil {
		return err
	}
	if err := r.invokeAgent(ctx); err != nil {
		return err
	}
	if err := r.normalizeEvents(); err != nil {
		return err
	}
	r.computeMetrics()
	r.captureDiff()
	if err := r.classifyAgentExit(); err != nil {
		return err
	}
	if err := r.extractReport(); err != nil {
		return err
	}
	if err := r.verificationGate(ctx); err != nil {
		return err
	}
	r.res.Status = StatusSuccess
	r.res.ExitCode = 0
	return nil
}

// resolveInputs maps the requested agent and policy names onto the loaded
// configuration. These are the cheapest checks, so they run first.
func (r *runner) resolveInputs() *failure.StructuredError {
	ag, err := r.cfg.Agent(r.req.Agent)
	if err != nil {
		return failure.Coerce(err)
	}
	if r.req.Model != "" {
		ag.Model = r.req.Model
	}
	r.agent = ag

	policyName := r.req.Policy
	if policyName == "" {
		policyName = "default"
	}
	pol, err := r.cfg.Policy(policyName)
	if err != nil {
		return failure.Coerce(err)
	}
	r.policy = pol

	switch r.req.ExecBackend {
	case "", BackendLocal, BackendDocker:
	default:
		return failure.New(runspec.CodeInvalidRunSpec,
			fmt.Sprintf("unknown execution backend %q", r.req.ExecBackend),
			"pass --exec-backend local or --exec-backend docker")
	}
	return nil
}

// acquireTarget materializes the workspace under the run directory,
// snapshots it, and records target_ref.json.
func (r *runner) acquireTarget() *failure.StructuredError {
	acq, err := target.Acquire(target.Options{
		Locator:            r.req.Locator,
		Dest:               filepath.Join(r.runDir, workspaceDirName),
		IgnoreGlobs:        r.policy.IgnoreGlobs,
		ObfuscateAgentDocs: r.req.ObfuscateAgentDocs,
		Logger:             r.log,
	})
	if err != nil {
		return failure.Coerce(err)
	}
	r.target = acq
	r.res.Workspace = acq.Workspace
	r.res.CommitSHA = acq.CommitSHA

	ref := map[string]any{
		"repo_input": r.req.Locator,
		"kind":       acq.Kind,
		"agent":      r.req.Agent,
		"policy":     r.policyName(),
		"seed":       r.req.Seed,
		"persona_id": r.spec.PersonaID,
		"mission_id": r.spec.MissionID,
		"commit_sha": acq.CommitSHA,
	}
	if r.agent.Model != "" {
		ref["model"] = r.agent.Model
	}
	if acq.Relocated {
		ref["relocated"] = true
	}
	if len(acq.ObfuscatedDocs) > 0 {
		ref["obfuscated_docs"] = acq.ObfuscatedDocs
	}
	if err := capture.WriteJSONAtomic(filepath.Join(r.runDir, TargetRefName), ref); err != nil {
		return failure.Coerce(err)
	}
	return nil
}

// prepareBackend starts the execution backend. The local backend is a
// no-op wrapper; docker builds (or reuses) an image and starts a container
// with the workspace bind-mounted.
func (r *runner) prepareBackend(ctx context.Context) *failure.StructuredError {
	if r.req.ExecBackend != BackendDocker {
		r.inst = sandbox.NewLocal(r.target.Workspace)
		return nil
	}

	contextDir := r.req.DockerContext
	if contextDir == "" {
		contextDir = r.policy.Docker.Context
	}
	if contextDir == "" {
		return failure.New(runspec.CodeInvalidRunSpec,
			"docker backend selected but no build context is configured",
			"pass --exec-docker-context or set policies.<name>.docker.context in runner.yaml")
	}
	network := r.policy.Docker.Network
	if !r.policy.NetworkEnabled() {
		network = "none"
	}
	d, err := sandbox.StartDocker(ctx, sandbox.DockerOptions{
		ContextDir:       contextDir,
		Dockerfile:       r.policy.Docker.Dockerfile,
		Rebuild:          r.policy.Docker.Rebuild,
		Workspace:        r.target.Workspace,
		WorkspaceMount:   r.policy.Docker.WorkspaceMount,
		EnvAllowlist:     r.policy.EnvAllowlist,
		Network:          network,
		CommandTimeoutMS: r.policy.Docker.CommandTimeoutMS,
		RunDir:           r.runDir,
		Logger:           r.log,
	}, nil)
	if err != nil {
		return failure.Coerce(err)
	}
	r.inst = d
	return nil
}

// invokeAgent drives the external CLI and persists the invocation audit
// record. Non-zero exits are not errors here; classifyAgentExit decides.
func (r *runner) invokeAgent(ctx context.Context) *failure.StructuredError {
	runCtx := ctx
	if r.policy.RunTimeoutMS > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(r.policy.RunTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	res, err := adapter.Run(runCtx, r.req.Agent, r.agent, adapter.Options{
		Workspace:      r.target.Workspace,
		WorkspaceMount: r.inst.WorkspaceMount(),
		Prompt:         r.prompt,
		RunDir:         r.runDir,
		CommandPrefix:  r.inst.CommandPrefix(),
		Env:            r.policy.Env,
		AllowEdits:     r.policy.AllowEdits,
		IdleTimeout:    time.Duration(r.policy.IdleTimeoutMS) * time.Millisecond,
		Clock:          r.clock,
		Logger:         r.log,
	})
	r.adapterRes = res
	r.adapterErr = err

	if res != nil && res.Invocation != nil {
		if werr := adapter.WriteInvocationArtifact(r.runDir, res); werr != nil {
			r.warn("could not write invocation.json: " + werr.Error())
		}
	}
	if res == nil {
		// Invocation could not even be built (no adapter for the agent).
		return failure.Coerce(err)
	}
	if err != nil {
		// Spawn-level failure: the child never produced a meaningful exit.
		se := failure.ClassifyAgentFailure(r.req.Agent, r.agent.Binary, res.ExitCode, "", "", err)
		se.Artifacts = map[string]string{"agent_stderr": adapter.StderrName}
		return se
	}
	if res.AbortReason == adapter.AbortCancelled &&
		runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		r.runTimedOut = true
	}
	return nil
}

// normalizeEvents translates the raw stream into canonical events and fills
// agent_last_message.txt. Runs regardless of the agent's exit code so
// partial streams still yield artifacts.
func (r *runner) normalizeEvents() *failure.StructuredError {
	res, err := normalize.Run(normalize.Options{
		Format:         r.agent.OutputFormat,
		RawPath:        r.adapterRes.RawEventsPath,
		TSPath:         r.adapterRes.RawTSPath,
		OutPath:        filepath.Join(r.runDir, NormalizedName),
		Workspace:      r.target.Workspace,
		WorkspaceMount: r.inst.WorkspaceMount(),
		Sink:           capture.NewFailureSink(r.runDir, r.capturePolicy(), r.clock),
		Policy:         r.capturePolicy(),
	})
	if err != nil {
		return failure.Coerce(err)
	}
	r.normRes = res
	r.lastMessage = res.LastMessage

	content := res.LastMessage
	if content == "" {
		content = res.RecoveredJSON
	}
	if werr := os.WriteFile(r.adapterRes.LastMessagePath, []byte(content), 0o644); werr != nil {
		return failure.Coerce(werr)
	}
	r.log.Info("events normalized", "events", res.Events, "last_message_bytes", len(res.LastMessage))
	return nil
}

// computeMetrics projects the normalized stream into metrics.json. A
// metrics failure never fails the run; the events file remains for reruns.
func (r *runner) computeMetrics() {
	m, err := metrics.FromFile(filepath.Join(r.runDir, NormalizedName))
	if err != nil {
		r.warn("metrics skipped: " + err.Error())
		return
	}
	r.metrics = m
	if err := capture.WriteJSONAtomic(filepath.Join(r.runDir, MetricsName), m); err != nil {
		r.warn("could not write metrics.json: " + err.Error())
	}
}

// captureDiff records the workspace diff against the acquisition snapshot
// when the policy allows edits. Untracked files are staged first so new
// files show up in the numstat.
func (r *runner) captureDiff() {
	if !r.policy.AllowEdits || r.target == nil || r.target.CommitSHA == "" {
		return
	}
	ws := r.target.Workspace
	if err := gitutil.AddAll(ws); err != nil {
		r.warn("diff capture skipped: " + err.Error())
		return
	}
	entries, err := gitutil.DiffNumstat(ws, r.target.CommitSHA)
	if err != nil {
		r.warn("diff capture skipped: " + err.Error())
		return
	}
	if entries == nil {
		entries = []gitutil.NumstatEntry{}
	}
	if err := capture.WriteJSONAtomic(filepath.Join(r.runDir, DiffNumstatName), entries); err != nil {
		r.warn("could not write diff_numstat.json: " + err.Error())
	}
}

// extractReport pulls the mission report out of the run and validates it
// against the mission schema. Only a conforming document is persisted as
// report.json.
func (r *runner) extractReport() *failure.StructuredError {
	doc, source, err := report.Extract(
		r.normRes.LastMessage, r.normRes.RecoveredJSON,
		r.target.Workspace, r.spec.ReportPath)
	if err != nil {
		return failure.New(failure.TypeMissingReport,
			fmt.Sprintf("the agent finished without a parseable JSON report (checked the final message, tool payloads, and %s)", r.spec.ReportPath),
			"read agent_last_message.txt and the tail of normalized_events.jsonl; tighten the mission prompt so the agent emits the report JSON inline")
	}
	r.reportSource = source

	sch, cerr := report.CompileSchema(r.spec.ReportSchemaRaw)
	if cerr != nil {
		return failure.New(runspec.CodeInvalidRunSpec,
			fmt.Sprintf("mission report schema does not compile: %v", cerr),
			"fix the schema file referenced by the mission's report_schema")
	}
	violations, verr := report.Validate(sch, doc)
	if verr != nil {
		return failure.New(failure.TypeReportValidationError,
			fmt.Sprintf("report could not be validated: %v", verr),
			"the extracted report is not a JSON document the validator accepts; check agent_last_message.txt")
	}
	if len(violations) > 0 {
		r.res.Validation = violations
		rendered := make([]string, 0, len(violations))
		for _, v := range violations {
			rendered = append(rendered, v.String())
		}
		se := failure.New(failure.TypeReportValidationError,
			fmt.Sprintf("report does not conform to the mission schema (%d violation(s))", len(violations)),
			"compare the violations against report.schema.json; the offending document is in agent_last_message.txt")
		se.WithDetails(map[string]any{
			"report_validation_errors": rendered,
			"source":                   string(source),
		})
		return se
	}

	path := filepath.Join(r.runDir, ReportJSONName)
	if werr := capture.WriteFileAtomic(path, doc, 0o644); werr != nil {
		return failure.Coerce(werr)
	}
	r.reportDoc = doc
	r.res.ReportPath = path
	r.log.Info("report validated", "source", string(source), "bytes", len(doc))
	return nil
}

// finalize tears down the backend, persists error.json and report.md, and
// removes the workspace unless a keep flag retains it.
func (r *runner) finalize(serr *failure.StructuredError) {
	if r.inst != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if serr != nil {
			if d, ok := r.inst.(*sandbox.Docker); ok {
				d.CaptureDiagnostics(closeCtx)
			}
		}
		if cerr := r.inst.Close(closeCtx); cerr != nil {
			r.warn("sandbox teardown: " + cerr.Error())
		}
		cancel()
	}

	if serr != nil {
		r.res.Err = serr
		r.res.ExitCode = exitCodeFor(serr)
		r.res.Status = StatusFailed
		if serr.Type == failure.TypeRejectedSentinel {
			r.res.Status = StatusRejected
		}
		if werr := capture.WriteJSONAtomic(filepath.Join(r.runDir, ErrorName), serr); werr != nil {
			r.log.Error("could not write error.json", "error", werr)
		}
		r.log.Error("run failed", "type", serr.Type, "message", serr.Message)
	}

	r.writeRunReport(serr)

	if r.target != nil && !(r.req.KeepWorkspace || r.policy.KeepWorkspace) {
		if err := os.RemoveAll(r.target.Workspace); err != nil {
			r.warn("workspace removal: " + err.Error())
		}
	}
}

// writeRunReport renders report.md for both outcomes; on failure it embeds
// the structured error so the directory is readable without opening JSON.
func (r *runner) writeRunReport(serr *failure.StructuredError) {
	sum := report.Summary{
		Agent:      r.req.Agent,
		Model:      r.agent.Model,
		Seed:       r.req.Seed,
		Status:     r.res.Status,
		Locator:    r.req.Locator,
		Source:     r.reportSource,
		Report:     r.reportDoc,
		Metrics:    r.metrics,
		Validation: r.res.Validation,
		Err:        serr,
	}
	if r.target != nil {
		sum.CommitSHA = r.target.CommitSHA
	}
	if r.spec != nil {
		sum.PersonaID = r.spec.PersonaID
		sum.MissionID = r.spec.MissionID
	} else {
		sum.PersonaID = r.req.PersonaID
		sum.MissionID = r.req.MissionID
	}
	md := report.Markdown(sum)
	if err := os.WriteFile(filepath.Join(r.runDir, ReportMDName), []byte(md), 0o644); err != nil {
		r.log.Error("could not write report.md", "error", err)
	}
}

func (r *runner) warn(msg string) {
	r.res.Warnings = append(r.res.Warnings, msg)
	r.log.Warn(msg)
}

func (r *runner) capturePolicy() capture.Policy {
	return r.policy.Capture.Policy()
}

func (r *runner) policyName() string {
	if r.req.Policy == "" {
		return "default"
	}
	return r.req.Policy
}

func (r *runner) catalogRoot() string {
	if r.req.CatalogRoot != "" {
		return r.req.CatalogRoot
	}
	return r.cfg.CatalogRoot
}

func (r *runner) runsRoot() string {
	if r.req.RunsRoot != "" {
		return r.req.RunsRoot
	}
	return r.cfg.RunsRoot
}

// inputErrorTypes are the error types that mean the operator's input was
// wrong before any external work happened: they exit 2, everything else 1.
var inputErrorTypes = map[string]bool{
	runspec.CodeInvalidRunSpec:           true,
	runspec.CodeUnknownPersonaID:         true,
	runspec.CodeUnknownMissionID:         true,
	runspec.CodeDuplicatePersonaID:       true,
	runspec.CodeDuplicateMissionID:       true,
	runspec.CodePersonaCycle:             true,
	runspec.CodeMissionCycle:             true,
	runspec.CodeUnsupportedExecutionMode: true,
	runspec.CodeMissingDefaultPersonaID:  true,
	runspec.CodeMissingDefaultMissionID:  true,
	runspec.CodeMissingTemplateFile:      true,
	runspec.CodeMissingSchemaFile:        true,
	runspec.CodeJSONParseFailed:          true,
	runspec.CodeUnresolvedTemplateVar:    true,
	failure.TypeAgentPreflightFailed:     true,
}

func exitCodeFor(se *failure.StructuredError) int {
	if se == nil {
		return 0
	}
	if inputErrorTypes[se.Type] {
		return 2
	}
	return 1
}
