package battles

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestComplete_SettlementSpanCarriesReference(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	balances := &transferBalances{mockBalances: newMockBalances(map[string]int64{"A": 500, "B": 500})}
	svc, _, _ := newTestService(balances)
	battle := mustBattle(t, svc, "A", "B", 100)
	if _, err := svc.CompleteBattle(context.Background(), battle.ID, "A"); err != nil {
		t.Fatalf("CompleteBattle failed: %v", err)
	}

	var settle sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.Name() == "battles.moveStake" {
			settle = s
		}
	}
	if settle == nil {
		t.Fatal("Expected a battles.moveStake span")
	}
	want := attribute.String("reference", battle.ID)
	found := false
	for _, kv := range settle.Attributes() {
		if kv == want {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected reference=%s on settlement span, got %v", battle.ID, settle.Attributes())
	}
	if !settle.Parent().IsValid() {
		t.Error("Expected settlement span to be a child of CompleteBattle")
	}
}
