package e2e_test

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/phuetz/code-buddy-sub007/citest/testutil"
	"github.com/phuetz/code-buddy-sub007/internal/event"
	"github.com/phuetz/code-buddy-sub007/internal/guard"
	"github.com/phuetz/code-buddy-sub007/internal/policy"
	"github.com/phuetz/code-buddy-sub007/internal/sandbox"
)

var _ = Describe("Policy Resolution", func() {
	var h *testutil.Harness

	AfterEach(func() {
		if h != nil {
			h.Stop()
		}
	})

	It("should switch a denied shell call to allowed when the profile changes", func() {
		var err error
		h, err = testutil.StartGuard(map[string]any{
			"policy.json": map[string]any{"activeProfile": "minimal"},
		})
		Expect(err).NotTo(HaveOccurred())

		d := h.Guard.Policy.Resolve("bash", policy.Context{})
		Expect(d.Action).To(Equal(policy.ActionDeny))
		Expect(d.Source).To(Equal(policy.SourceProfile))

		Expect(h.Guard.Policy.SetActiveProfile(policy.ProfileCoding)).To(Succeed())

		d = h.Guard.Policy.Resolve("bash", policy.Context{})
		Expect(d.Action).To(Equal(policy.ActionAllow))
		Expect(d.Source).To(Equal(policy.SourceProfile))
		Expect(d.MatchedRule).NotTo(BeNil())
		Expect(string(d.MatchedRule.Group)).To(Equal("group:runtime:shell"))

		Eventually(func() bool {
			return h.Events.HasType(event.PolicyProfileChanged)
		}).Should(BeTrue())
	})

	It("should pick up an edited policy document on reload", func() {
		var err error
		h, err = testutil.StartGuard(map[string]any{
			"policy.json": map[string]any{"activeProfile": "minimal"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Guard.Policy.ActiveProfile()).To(Equal(policy.ProfileMinimal))

		_, err = h.ConfigDir.WriteJSON("policy.json", map[string]any{"activeProfile": "full"})
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Guard.Policy.Reload()).To(Succeed())

		Expect(h.Guard.Policy.ActiveProfile()).To(Equal(policy.ProfileFull))
		Expect(h.Guard.Policy.Resolve("webfetch", policy.Context{}).Action).To(Equal(policy.ActionAllow))
	})

	It("should let a session override win over a profile allow", func() {
		var err error
		h, err = testutil.StartGuard(nil)
		Expect(err).NotTo(HaveOccurred())

		v := h.Guard.AuthorizeTool(ctx, guard.ToolRequest{
			Tool:             "read",
			Args:             map[string]any{"path": "README.md"},
			SessionOverrides: map[string]policy.Action{"read": policy.ActionDeny},
		})
		Expect(v.Action).To(Equal(policy.ActionDeny))
		Expect(v.Stage).To(Equal(guard.StagePolicy))
		Expect(v.Decision.Source).To(Equal(policy.SourceSession))
		Expect(v.Err()).To(HaveOccurred())
	})

	It("should be idempotent for identical context", func() {
		var err error
		h, err = testutil.StartGuard(nil)
		Expect(err).NotTo(HaveOccurred())

		first := h.Guard.Policy.Resolve("edit", policy.Context{AgentID: "coder"})
		for i := 0; i < 5; i++ {
			d := h.Guard.Policy.Resolve("edit", policy.Context{AgentID: "coder"})
			Expect(d.Action).To(Equal(first.Action))
			Expect(d.Source).To(Equal(first.Source))
		}
	})
})

var _ = Describe("Permission Limits", func() {
	var h *testutil.Harness

	BeforeEach(func() {
		var err error
		h, err = testutil.StartGuard(map[string]any{
			"permissions.json": map[string]any{
				"safety": map[string]any{"maxOperationsPerSession": 3},
				"tools":  map[string]any{"requireConfirmation": []string{}},
			},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		h.Stop()
	})

	It("should deny writes once the operation limit is reached until reset", func() {
		write := guard.ToolRequest{Tool: "write", Args: map[string]any{"path": "out.txt", "content": "x"}}
		for i := 0; i < 3; i++ {
			Expect(h.Guard.AuthorizeTool(ctx, write).Allowed()).To(BeTrue())
		}
		Expect(h.Guard.Permissions.OperationCount()).To(Equal(3))

		v := h.Guard.AuthorizeTool(ctx, write)
		Expect(v.Action).To(Equal(policy.ActionDeny))
		Expect(v.Stage).To(Equal(guard.StagePermission))

		h.Guard.Permissions.ResetOperationCount()
		Expect(h.Guard.AuthorizeTool(ctx, write).Allowed()).To(BeTrue())
	})

	It("should deny reading secrets regardless of the profile", func() {
		v := h.Guard.AuthorizeTool(ctx, guard.ToolRequest{
			Tool: "read",
			Args: map[string]any{"path": filepath.Join(h.Workspace.Path, ".env")},
		})
		Expect(v.Action).To(Equal(policy.ActionDeny))
		Expect(v.Stage).To(Equal(guard.StagePermission))
	})
})

var _ = Describe("Sandboxed Execution", func() {
	var h *testutil.Harness

	BeforeEach(func() {
		if !testutil.HasShell() {
			Skip("requires /bin/sh")
		}
		var err error
		h, err = testutil.StartGuard(map[string]any{
			"permissions.json": map[string]any{
				"commands": map[string]any{"maxExecutionTime": 300},
			},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		h.Stop()
	})

	It("should fall back to no isolation when the requested method is missing", func() {
		res := h.Guard.Executor.Execute(ctx, "echo hello", sandbox.UseMethod(sandbox.MethodNamespace))
		Expect(res.Sandboxed).To(BeFalse())
		Expect(res.Method).To(Equal(sandbox.MethodNone))
		Expect(res.Requested).To(Equal(sandbox.MethodNamespace))
		Expect(res.Stdout).To(Equal("hello\n"))
		Expect(res.ExitCode).To(Equal(0))
	})

	It("should reject dangerous commands without isolation", func() {
		for _, cmd := range []string{"rm -rf /", ":(){ :|:& };:"} {
			res := h.Guard.Executor.Execute(ctx, cmd, sandbox.UseMethod(sandbox.MethodNone))
			Expect(res.Rejected).To(BeTrue(), cmd)
			Expect(res.ExitCode).NotTo(Equal(0))
		}
	})

	It("should ask for confirmation before running a shell command", func() {
		out, err := h.Guard.RunCommand(ctx, guard.CommandRequest{Command: "echo hi"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Verdict.NeedsConfirmation()).To(BeTrue())
		Expect(out.Ran()).To(BeFalse())

		out, err = h.Guard.RunCommand(ctx, guard.CommandRequest{Command: "echo hi", Confirmed: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Ran()).To(BeTrue())
		Expect(out.Result.Stdout).To(Equal("hi\n"))
	})

	It("should kill a command that exceeds the time limit", func() {
		start := time.Now()
		out, err := h.Guard.RunCommand(ctx, guard.CommandRequest{Command: "sleep 5", Confirmed: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Ran()).To(BeTrue())
		Expect(out.Result.TimedOut).To(BeTrue())
		Expect(out.Result.ExitCode).To(Equal(137))
		Expect(time.Since(start)).To(BeNumerically("<", 3*time.Second))
	})

	It("should refuse to run when isolation is required but unavailable", func() {
		h.Stop()
		var err error
		h, err = testutil.StartGuard(nil, testutil.WithRequireIsolation())
		Expect(err).NotTo(HaveOccurred())

		out, err := h.Guard.RunCommand(ctx, guard.CommandRequest{Command: "echo hi", Confirmed: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Ran()).To(BeFalse())
		Expect(out.Verdict.Stage).To(Equal(guard.StageSandbox))
	})
})

var _ = Describe("Sandbox Sessions", func() {
	var (
		h    *testutil.Harness
		s    *sandbox.Session
		proj string
	)

	BeforeEach(func() {
		if !testutil.HasShell() {
			Skip("requires /bin/sh")
		}
		var err error
		h, err = testutil.StartGuard(nil)
		Expect(err).NotTo(HaveOccurred())
		proj, err = h.Workspace.CreateSubDir("proj/src")
		Expect(err).NotTo(HaveOccurred())
		s, err = h.Guard.OpenSession()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		h.Stop()
	})

	run := func(command string) *sandbox.Result {
		out, err := h.Guard.RunCommand(ctx, guard.CommandRequest{Command: command, SessionID: s.ID, Confirmed: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Ran()).To(BeTrue(), out.Verdict.Reason)
		return out.Result
	}

	It("should keep the working directory between commands", func() {
		Expect(run("cd proj/src").ExitCode).To(Equal(0))
		Expect(s.Cwd()).To(Equal(proj))
		Expect(run("pwd").Stdout).To(Equal(proj + "\n"))
	})

	It("should reject leaving the workspace and keep the working directory", func() {
		before := s.Cwd()
		res := run("cd ../../etc")
		Expect(res.ExitCode).To(Equal(1))
		Expect(res.Reason).To(ContainSubstring("outside"))
		Expect(s.Cwd()).To(Equal(before))
	})

	It("should record history and announce the session lifecycle", func() {
		run("echo one")
		run("cd proj")
		Expect(s.History()).To(HaveLen(2))

		Expect(h.Guard.Executor.CloseSession(s.ID)).To(Succeed())
		Eventually(func() int {
			return h.Events.CountType(event.SandboxSessionClosed)
		}).Should(Equal(1))
	})
})
