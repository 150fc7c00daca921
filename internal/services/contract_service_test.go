package services

import (
	"context"
	"testing"
	"time"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/devsoko/escrow-engine/internal/repositories"
)

func TestCreateContractValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	base := time.Now()

	cases := []struct {
		name string
		in   CreateContractInput
	}{
		{"no title", CreateContractInput{Currency: "KES", Milestones: threeMilestones(base)}},
		{"bad currency", CreateContractInput{Title: "x", Currency: "KSH!", Milestones: threeMilestones(base)}},
		{"no milestones", CreateContractInput{Title: "x", Currency: "KES"}},
		{"bad funding mode", CreateContractInput{Title: "x", Currency: "KES", FundingMode: "whenever", Milestones: threeMilestones(base)}},
		{"zero amount", CreateContractInput{Title: "x", Currency: "KES", Milestones: []MilestoneInput{
			{Title: "m", Amount: 0, DueAt: base.Add(time.Hour)},
		}}},
		{"due dates not increasing", CreateContractInput{Title: "x", Currency: "KES", Milestones: []MilestoneInput{
			{Title: "a", Amount: 100, DueAt: base.Add(48 * time.Hour)},
			{Title: "b", Amount: 100, DueAt: base.Add(24 * time.Hour)},
		}}},
	}
	for _, tc := range cases {
		_, _, err := e.contractSvc.Create(ctx, e.client, tc.in)
		if got := codeOf(t, err); got != apperr.CodeValidation {
			t.Errorf("%s: code = %s, want %s", tc.name, got, apperr.CodeValidation)
		}
	}
}

func TestCreateContractTotalsFromPlan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	c, plan, err := e.contractSvc.Create(ctx, e.client, CreateContractInput{
		Title:      "Marketplace build",
		Currency:   "KES",
		Milestones: threeMilestones(time.Now()),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Status != models.ContractStatusDraft {
		t.Fatalf("status = %s, want draft", c.Status)
	}
	if c.TotalAmount != 180_000_00 {
		t.Fatalf("total = %d, want %d", c.TotalAmount, 180_000_00)
	}
	if c.FundingMode != models.FundingModeNextMilestone {
		t.Fatalf("funding mode = %s, want default next_milestone_required", c.FundingMode)
	}
	if len(plan) != 3 {
		t.Fatalf("milestones = %d, want 3", len(plan))
	}

	acct, err := e.db.GetAccountByContract(ctx, c.ID)
	if err != nil {
		t.Fatalf("escrow account not created: %v", err)
	}
	if acct.Currency != "KES" || acct.Status != models.EscrowAccountActive {
		t.Fatalf("account = %s/%s, want KES/active", acct.Currency, acct.Status)
	}
}

func TestSendAcceptDecline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	c, _, err := e.contractSvc.Create(ctx, e.client, CreateContractInput{
		Title: "Work", Currency: "KES", Milestones: threeMilestones(time.Now()),
	})
	if err != nil {
		t.Fatal(err)
	}

	// The client cannot assign themselves as the developer.
	_, err = e.contractSvc.SendToDeveloper(ctx, e.client, c.ID, e.client.ID)
	if got := codeOf(t, err); got != apperr.CodeValidation {
		t.Fatalf("self-assignment: code = %s, want %s", got, apperr.CodeValidation)
	}

	sent, err := e.contractSvc.SendToDeveloper(ctx, e.client, c.ID, e.developer.ID)
	if err != nil {
		t.Fatalf("SendToDeveloper: %v", err)
	}
	if sent.Status != models.ContractStatusPendingAcceptance {
		t.Fatalf("status = %s, want pending_developer_acceptance", sent.Status)
	}

	// Only the named developer may answer.
	stranger := Actor{ID: e.admin.ID, Role: "developer"}
	if _, err := e.contractSvc.Accept(ctx, stranger, c.ID); err == nil {
		t.Fatal("acceptance by a stranger succeeded")
	}

	accepted, err := e.contractSvc.Accept(ctx, e.developer, c.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.Status != models.ContractStatusActiveUnfunded {
		t.Fatalf("status = %s, want active_unfunded", accepted.Status)
	}
	stored, _ := e.db.GetByID(ctx, c.ID)
	if stored.StartDate == nil {
		t.Fatal("start date not stamped on acceptance")
	}
}

func TestDeclineCancels(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	c, _, err := e.contractSvc.Create(ctx, e.client, CreateContractInput{
		Title: "Work", Currency: "KES", Milestones: threeMilestones(time.Now()),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.contractSvc.SendToDeveloper(ctx, e.client, c.ID, e.developer.ID); err != nil {
		t.Fatal(err)
	}

	declined, err := e.contractSvc.Decline(ctx, e.developer, c.ID)
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if declined.Status != models.ContractStatusCancelled {
		t.Fatalf("status = %s, want cancelled", declined.Status)
	}
	got, _ := e.db.GetByID(ctx, c.ID)
	if got.CancelledAt == nil {
		t.Fatal("cancelled_at not stamped")
	}
}

func TestPauseResume(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newActiveContract(t, models.FundingModeNextMilestone, threeMilestones(time.Now()))
	e.fund(t, c.ID, 180_000_00)

	reason := "client on leave"
	paused, err := e.contractSvc.Pause(ctx, e.client, c.ID, &reason)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != models.ContractStatusPaused {
		t.Fatalf("status = %s, want paused", paused.Status)
	}

	resumed, err := e.contractSvc.Resume(ctx, e.client, c.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != models.ContractStatusActiveFunded {
		t.Fatalf("status = %s, want active_funded", resumed.Status)
	}
	if resumed.PausedFrom != nil {
		t.Fatal("paused_from not cleared")
	}
}

func TestResumeBlockedByOpenDispute(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newActiveContract(t, models.FundingModeNextMilestone, threeMilestones(time.Now()))
	e.fund(t, c.ID, 180_000_00)

	if _, err := e.disputeSvc.Open(ctx, e.developer, c.ID, OpenDisputeInput{Reason: "payment"}); err != nil {
		t.Fatal(err)
	}
	_, err := e.contractSvc.Resume(ctx, e.client, c.ID)
	if got := codeOf(t, err); got != apperr.CodePreconditionFailed {
		t.Fatalf("Resume during dispute: code = %s, want %s", got, apperr.CodePreconditionFailed)
	}
}

func TestCancelRefundsResidual(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newActiveContract(t, models.FundingModeNextMilestone, threeMilestones(time.Now()))
	e.fund(t, c.ID, 120_000_00)

	cancelled, err := e.contractSvc.Cancel(ctx, e.client, c.ID, nil)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != models.ContractStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	acct, _ := e.db.GetAccountByContract(ctx, c.ID)
	if acct.RefundedTotal != 120_000_00 {
		t.Fatalf("refunded_total = %d, want %d", acct.RefundedTotal, 120_000_00)
	}
	if acct.Status != models.EscrowAccountClosed {
		t.Fatalf("account status = %s, want closed", acct.Status)
	}
	if len(e.provider.refunds) != 1 || e.provider.refunds[0].amount != 120_000_00 {
		t.Fatalf("refund dispatch = %+v, want one call for %d", e.provider.refunds, 120_000_00)
	}
	if e.provider.refunds[0].dest != e.client.ID {
		t.Fatal("refund dispatched to the wrong party")
	}
}

func TestCancelClientBlockedPastReleasedLimit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newActiveContract(t, models.FundingModeNextMilestone, threeMilestones(time.Now()))
	e.fund(t, c.ID, 180_000_00)
	plan, _ := e.db.ListByContract(ctx, c.ID)

	// Release two of three milestones: 2/3 of the total, over the 50% limit.
	for _, m := range plan[:2] {
		e.approve(t, m.ID)
		if _, err := e.milestoneSvc.Release(ctx, e.client, m.ID); err != nil {
			t.Fatalf("release: %v", err)
		}
	}

	_, err := e.contractSvc.Cancel(ctx, e.client, c.ID, nil)
	if got := codeOf(t, err); got != apperr.CodePreconditionFailed {
		t.Fatalf("client cancel past limit: code = %s, want %s", got, apperr.CodePreconditionFailed)
	}

	// Admins are not bound by the limit.
	if _, err := e.contractSvc.Cancel(ctx, e.admin, c.ID, nil); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

func TestCompleteRequiresTerminalMilestones(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newActiveContract(t, models.FundingModeNextMilestone, threeMilestones(time.Now()))
	e.fund(t, c.ID, 180_000_00)

	_, err := e.contractSvc.Complete(ctx, e.client, c.ID)
	if got := codeOf(t, err); got != apperr.CodePreconditionFailed {
		t.Fatalf("Complete with open milestones: code = %s, want %s", got, apperr.CodePreconditionFailed)
	}
}

func TestCompleteBlockedByRejectedMilestone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newActiveContract(t, models.FundingModeFullUpfront, threeMilestones(time.Now()))
	e.fund(t, c.ID, 180_000_00)

	plan, _ := e.db.ListByContract(ctx, c.ID)
	for _, m := range plan[:2] {
		e.approve(t, m.ID)
		if _, err := e.milestoneSvc.Release(ctx, e.client, m.ID); err != nil {
			t.Fatalf("release milestone %d: %v", m.OrderIndex, err)
		}
	}

	// The last milestone is rejected: terminal, but never released.
	if _, err := e.milestoneSvc.Start(ctx, e.developer, plan[2].ID); err != nil {
		t.Fatalf("start milestone: %v", err)
	}
	url := "https://demo.example.com"
	_, _, err := e.milestoneSvc.Submit(ctx, e.developer, plan[2].ID, SubmitInput{
		Summary: "attempted",
		Items:   []models.EvidenceItem{{Kind: models.EvidenceKindDemoURL, URL: &url}},
	})
	if err != nil {
		t.Fatalf("submit milestone: %v", err)
	}
	reason := "unacceptable_quality"
	if _, err := e.milestoneSvc.Review(ctx, e.client, plan[2].ID, ReviewInput{
		Decision:   models.ReviewDecisionReject,
		ReasonCode: &reason,
	}); err != nil {
		t.Fatalf("reject milestone: %v", err)
	}

	_, err = e.contractSvc.Complete(ctx, e.client, c.ID)
	if got := codeOf(t, err); got != apperr.CodePreconditionFailed {
		t.Fatalf("Complete with a rejected milestone: code = %s, want %s", got, apperr.CodePreconditionFailed)
	}
	got, _ := e.db.GetByID(ctx, c.ID)
	if got.Status != models.ContractStatusActiveFunded {
		t.Fatalf("contract status = %s, want unchanged %s", got.Status, models.ContractStatusActiveFunded)
	}
}

func TestContractLifecycleRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newActiveContract(t, models.FundingModeFullUpfront, threeMilestones(time.Now()))
	e.fund(t, c.ID, 180_000_00)

	plan, _ := e.db.ListByContract(ctx, c.ID)
	for _, m := range plan {
		e.approve(t, m.ID)
		if _, err := e.milestoneSvc.Release(ctx, e.client, m.ID); err != nil {
			t.Fatalf("release milestone %d: %v", m.OrderIndex, err)
		}
	}

	done, err := e.contractSvc.Complete(ctx, e.client, c.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != models.ContractStatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}

	acct, _ := e.db.GetAccountByContract(ctx, c.ID)
	if acct.ReleasedTotal != 180_000_00 {
		t.Fatalf("released_total = %d, want %d", acct.ReleasedTotal, 180_000_00)
	}
	if acct.Available() != 0 {
		t.Fatalf("available = %d, want 0", acct.Available())
	}
	if acct.Status != models.EscrowAccountClosed {
		t.Fatalf("account status = %s, want closed", acct.Status)
	}
	if len(e.provider.payouts) != 3 {
		t.Fatalf("provider payouts = %d, want 3", len(e.provider.payouts))
	}
	// Fully drained: nothing left for a residual refund.
	if len(e.provider.refunds) != 0 {
		t.Fatalf("provider refunds = %d, want 0", len(e.provider.refunds))
	}

	// Every state change left a trail.
	trail, err := e.contractSvc.GetActivity(ctx, e.client, c.ID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) == 0 {
		t.Fatal("no activity recorded")
	}
}

func TestListScopesToActor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newActiveContract(t, models.FundingModeNextMilestone, threeMilestones(time.Now()))

	mine, err := e.contractSvc.List(ctx, e.client, repositories.ContractFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != c.ID {
		t.Fatalf("client list = %d contracts, want the one created", len(mine))
	}

	other := Actor{ID: e.admin.ID, Role: "client"}
	theirs, err := e.contractSvc.List(ctx, other, repositories.ContractFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(theirs) != 0 {
		t.Fatalf("unrelated client sees %d contracts, want 0", len(theirs))
	}
}
