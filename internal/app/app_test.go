package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	require.NoError(t, env.Parse(cfg))
	cfg.GatewaySuccessRate = 1
	cfg.GatewayDeliveryRate = 1
	cfg.RunnerTick = 5 * time.Millisecond
	cfg.RetryBackoffBase = time.Millisecond
	cfg.PollSchedule = "@every 1s"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestEngineRunsCampaignInMemory(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))

	assert.Nil(t, e.DB)
	assert.Nil(t, e.Redis)
	assert.Nil(t, e.Broker)

	var list []model.Recipient
	for i := 0; i < 12; i++ {
		list = append(list, model.Recipient{
			ID:     fmt.Sprintf("r-%d", i),
			Phone:  fmt.Sprintf("07%08d", 10000000+i),
			Fields: map[string]any{"first_name": "Wanjiru"},
		})
	}
	id, err := e.Service.StartCampaign(ctx, service.StartCampaignRequest{
		Name:     "engine",
		Template: model.MessageTemplate{Body: "Hi {first_name}"},
		Audience: model.AudienceDescriptor{ExplicitList: list},
	})
	require.NoError(t, err)

	select {
	case <-e.Dispatcher.Done(id):
	case <-time.After(10 * time.Second):
		t.Fatal("campaign did not finish")
	}
	state, _ := e.Dispatcher.State(id)
	assert.Equal(t, model.CampaignCompleted, state)

	summary, err := e.Service.Summary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 12, summary.Totals.Jobs)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.NoError(t, e.Close(closeCtx))
}

func TestEngineRejectsBadPollSchedule(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.PollSchedule = "sometimes"

	e, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Error(t, e.Start(context.Background()))
	assert.NoError(t, e.Close(context.Background()))
}
