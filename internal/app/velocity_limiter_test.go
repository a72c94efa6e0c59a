package app

import (
	"context"
	"testing"
	"time"
)

func TestMemoryVelocityLimiter_ClassesHaveSeparateBudgets(t *testing.T) {
	ctx := context.Background()
	limiter := NewMemoryVelocityLimiter(VelocityLimits{Mutation: 2, Query: 5, Window: time.Minute})
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if d, _ := limiter.Admit(ctx, "operator_1", OperationMutation); !d.Allowed {
			t.Fatalf("mutation %d: expected admission", i+1)
		}
	}
	d, err := limiter.Admit(ctx, "operator_1", OperationMutation)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if d.Allowed || d.Limit != 2 || d.RetryAfter != time.Minute {
		t.Fatalf("expected third mutation rejected for a minute, got %+v", d)
	}

	if d, _ := limiter.Admit(ctx, "operator_1", OperationQuery); !d.Allowed || d.Remaining != 4 {
		t.Fatalf("expected query budget untouched, got %+v", d)
	}
	if d, _ := limiter.Admit(ctx, "operator_2", OperationMutation); !d.Allowed {
		t.Fatal("expected another operator to have its own budget")
	}
}

func TestMemoryVelocityLimiter_WindowSlides(t *testing.T) {
	ctx := context.Background()
	limiter := NewMemoryVelocityLimiter(VelocityLimits{Mutation: 2, Window: time.Minute})
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	now := start
	limiter.now = func() time.Time { return now }

	limiter.Admit(ctx, "operator_1", OperationMutation)
	now = start.Add(40 * time.Second)
	limiter.Admit(ctx, "operator_1", OperationMutation)

	now = start.Add(50 * time.Second)
	d, _ := limiter.Admit(ctx, "operator_1", OperationMutation)
	if d.Allowed || d.RetryAfter != 10*time.Second {
		t.Fatalf("expected rejection until the first call ages out, got %+v", d)
	}

	now = start.Add(61 * time.Second)
	if d, _ := limiter.Admit(ctx, "operator_1", OperationMutation); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected one slot after the first call aged out, got %+v", d)
	}
}

func TestVelocityLimiters_UnlimitedCases(t *testing.T) {
	tests := []struct {
		name     string
		limiter  VelocityLimiter
		operator string
		class    OperationClass
	}{
		{name: "redis without client", limiter: NewRedisVelocityLimiter(nil, "", VelocityLimits{Mutation: 1}), operator: "operator_1", class: OperationMutation},
		{name: "nil redis limiter", limiter: (*RedisVelocityLimiter)(nil), operator: "operator_1", class: OperationMutation},
		{name: "class without limit", limiter: NewMemoryVelocityLimiter(VelocityLimits{Mutation: 1}), operator: "operator_1", class: OperationQuery},
		{name: "unknown class", limiter: NewMemoryVelocityLimiter(VelocityLimits{Mutation: 1, Query: 1}), operator: "operator_1", class: "admin"},
		{name: "blank operator", limiter: NewMemoryVelocityLimiter(VelocityLimits{Mutation: 1}), operator: " ", class: OperationMutation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				d, err := tt.limiter.Admit(context.Background(), tt.operator, tt.class)
				if err != nil || !d.Allowed {
					t.Fatalf("call %d: expected unlimited admission, got %+v err=%v", i+1, d, err)
				}
			}
		})
	}
}

func TestRedisVelocityLimiter_KeyIsPerOperatorAndClass(t *testing.T) {
	limiter := NewRedisVelocityLimiter(nil, "transfa:", VelocityLimits{})
	if got := limiter.key("operator_1", OperationMutation); got != "transfa:velocity:mutation:operator_1" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestParseVelocityReply(t *testing.T) {
	tests := []struct {
		name    string
		raw     interface{}
		want    VelocityDecision
		wantErr bool
	}{
		{name: "admitted", raw: []interface{}{int64(1), int64(3), int64(0)}, want: VelocityDecision{Allowed: true, Limit: 5, Remaining: 2}},
		{name: "rejected", raw: []interface{}{int64(0), int64(5), int64(1500)}, want: VelocityDecision{Limit: 5, RetryAfter: 1500 * time.Millisecond}},
		{name: "rejected without wait", raw: []interface{}{int64(0), int64(5), int64(0)}, want: VelocityDecision{Limit: 5, RetryAfter: time.Minute}},
		{name: "bad shape", raw: "nope", wantErr: true},
		{name: "bad element", raw: []interface{}{int64(1), "3", int64(0)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVelocityReply(tt.raw, 5, time.Minute)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVelocityReply returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
