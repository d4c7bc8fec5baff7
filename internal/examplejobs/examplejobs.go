// Package examplejobs registers a small set of demonstration job types
// exercising the engine's primitives end to end (continuation, blockers,
// scheduling, and retry), the way a teaching fixture would —
// not part of the engine itself, just a concrete tenant of jobtype.Registry
// for cmd/jobchaind to run out of the box.
package examplejobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rezkam/jobchain/internal/client"
	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/engine"
	"github.com/rezkam/jobchain/internal/jobtype"
	"github.com/rezkam/jobchain/internal/ptr"
)

const (
	TypeFetchOrder      = "examplejobs.fetch_order"
	TypeChargeOrder     = "examplejobs.charge_order"
	TypeNotifyCustomer  = "examplejobs.notify_customer"
	TypeFlakyUpload     = "examplejobs.flaky_upload"
	TypeMonthlyReport   = "examplejobs.monthly_report"
)

// Register adds every example job type to r.
func Register(r *jobtype.TypedRegistry) {
	jobtype.Register[FetchOrderInput, FetchOrderOutput](r, TypeFetchOrder, fetchOrderTask{})
	jobtype.Register[ChargeOrderInput, ChargeOrderOutput](r, TypeChargeOrder, chargeOrderTask{})
	jobtype.Register[NotifyCustomerInput, NotifyCustomerOutput](r, TypeNotifyCustomer, notifyCustomerTask{})
	jobtype.Register[FlakyUploadInput, FlakyUploadOutput](r, TypeFlakyUpload, flakyUploadTask{})
	jobtype.Register[MonthlyReportInput, MonthlyReportOutput](r, TypeMonthlyReport, monthlyReportTask{})
}

// --- fetch_order -> charge_order -> notify_customer: a three-job chain ---

type FetchOrderInput struct {
	OrderID string `json:"orderId"`
}

func (in FetchOrderInput) Validate() error {
	if in.OrderID == "" {
		return fmt.Errorf("orderId is required")
	}
	return nil
}

type FetchOrderOutput struct {
	OrderID    string `json:"orderId"`
	AmountCents int64 `json:"amountCents"`
}

type fetchOrderTask struct{}

func (fetchOrderTask) Handle(ctx context.Context, in FetchOrderInput) (FetchOrderOutput, *jobtype.Continue, error) {
	out := FetchOrderOutput{OrderID: in.OrderID, AmountCents: 4999}
	return out, &jobtype.Continue{
		TypeName: TypeChargeOrder,
		Input:    ChargeOrderInput{OrderID: out.OrderID, AmountCents: out.AmountCents},
	}, nil
}

type ChargeOrderInput struct {
	OrderID     string `json:"orderId"`
	AmountCents int64  `json:"amountCents"`
}

type ChargeOrderOutput struct {
	OrderID       string `json:"orderId"`
	TransactionID string `json:"transactionId"`
}

type chargeOrderTask struct{}

func (chargeOrderTask) Handle(ctx context.Context, in ChargeOrderInput) (ChargeOrderOutput, *jobtype.Continue, error) {
	out := ChargeOrderOutput{OrderID: in.OrderID, TransactionID: "txn_" + in.OrderID}
	return out, &jobtype.Continue{
		TypeName: TypeNotifyCustomer,
		Input:    NotifyCustomerInput{OrderID: out.OrderID, TransactionID: out.TransactionID},
	}, nil
}

type NotifyCustomerInput struct {
	OrderID       string `json:"orderId"`
	TransactionID string `json:"transactionId"`
}

type NotifyCustomerOutput struct {
	Sent bool `json:"sent"`
}

type notifyCustomerTask struct{}

func (notifyCustomerTask) Handle(ctx context.Context, in NotifyCustomerInput) (NotifyCustomerOutput, *jobtype.Continue, error) {
	return NotifyCustomerOutput{Sent: true}, nil, nil
}

// --- flaky_upload: demonstrates retry/backoff via engine.Transient ---

type FlakyUploadInput struct {
	FilePath     string `json:"filePath"`
	FailAttempts int    `json:"failAttempts"`
}

type FlakyUploadOutput struct {
	Uploaded bool `json:"uploaded"`
}

type flakyUploadTask struct{}

func (flakyUploadTask) Handle(ctx context.Context, in FlakyUploadInput) (FlakyUploadOutput, *jobtype.Continue, error) {
	// AttemptCount is not visible to the handler directly; this task
	// represents the common "transient network error" shape a real upload
	// handler would hit, returning a retryable error so the engine's retry
	// policy reschedules it with backoff instead of failing the chain
	// outright. Any FailAttempts > 0 fails every attempt, so such a chain
	// ends with a failure output once the retry policy is exhausted.
	if in.FailAttempts > 0 {
		return FlakyUploadOutput{}, nil, engine.Transient(fmt.Errorf("upload %s: connection reset", in.FilePath))
	}
	return FlakyUploadOutput{Uploaded: true}, nil, nil
}

// --- monthly_report: a chain head meant to be started with WithBlockedBy ---

type MonthlyReportInput struct {
	Month string `json:"month"`
}

type MonthlyReportOutput struct {
	GeneratedAt string `json:"generatedAt"`
}

type monthlyReportTask struct{}

func (monthlyReportTask) Handle(ctx context.Context, in MonthlyReportInput) (MonthlyReportOutput, *jobtype.Continue, error) {
	return MonthlyReportOutput{GeneratedAt: in.Month}, nil, nil
}

// SeedDemoChain starts one fetch_order->charge_order->notify_customer chain,
// a flaky_upload chain, and a monthly_report chain blocked on the order
// chain, so `jobchaind seed` gives an operator something to watch a freshly
// started worker process.
func SeedDemoChain(ctx context.Context, c *client.Client) error {
	orderChain, err := c.StartJobChain(ctx, TypeFetchOrder, FetchOrderInput{OrderID: "order-demo-1"})
	if err != nil {
		return fmt.Errorf("start order chain: %w", err)
	}

	_, err = c.StartJobChain(ctx, TypeFlakyUpload,
		FlakyUploadInput{FilePath: "/tmp/demo.csv", FailAttempts: 2},
		client.WithSchedule(domain.Schedule{AfterMs: ptr.To(int64(2000))}),
	)
	if err != nil {
		return fmt.Errorf("start flaky upload chain: %w", err)
	}

	_, err = c.StartJobChain(ctx, TypeMonthlyReport,
		MonthlyReportInput{Month: time.Now().UTC().Format("2006-01")},
		client.WithBlockedBy(orderChain.RootChainID),
	)
	if err != nil {
		return fmt.Errorf("start report chain: %w", err)
	}
	return nil
}
