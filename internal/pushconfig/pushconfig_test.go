package pushconfig

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"market-sentry/internal/market"
)

func testStore() *Store {
	return NewStore(NewMemoryRepository())
}

func scheduleConfig(userID int64, enabled bool) Config {
	return Config{
		UserID: userID,
		Kind:   KindSchedule,
		Schedule: &ScheduleParams{
			IntervalMinutes: 60,
			Timeframes:      []market.Timeframe{market.Timeframe1h, market.Timeframe24h},
		},
		Enabled: enabled,
	}
}

func TestCreateAssignsIDAndTimestamps(t *testing.T) {
	s := testStore()

	created, err := s.Create(context.Background(), scheduleConfig(42, true))
	if err != nil {
		t.Fatalf("Create 应成功: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Create 应分配 ID")
	}
	if created.CreatedAt.IsZero() || !created.UpdatedAt.Equal(created.CreatedAt) {
		t.Fatalf("时间戳不正确: %#v", created)
	}
}

func TestCreateRejectsInvalidConfigs(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"缺少 userID", Config{Kind: KindSchedule, Schedule: &ScheduleParams{IntervalMinutes: 60, Timeframes: []market.Timeframe{market.Timeframe1h}}}},
		{"未知 kind", Config{UserID: 1, Kind: "weekly"}},
		{"schedule 间隔非正", Config{UserID: 1, Kind: KindSchedule, Schedule: &ScheduleParams{IntervalMinutes: 0, Timeframes: []market.Timeframe{market.Timeframe1h}}}},
		{"schedule 缺少 timeframes", Config{UserID: 1, Kind: KindSchedule, Schedule: &ScheduleParams{IntervalMinutes: 60}}},
		{"kind 与参数不匹配", Config{UserID: 1, Kind: KindTrigger, Schedule: &ScheduleParams{IntervalMinutes: 60, Timeframes: []market.Timeframe{market.Timeframe1h}}}},
		{"同时携带两组参数", func() Config {
			cfg := scheduleConfig(1, true)
			cfg.Trigger = &TriggerParams{Timeframes: []market.Timeframe{market.Timeframe1h}}
			return cfg
		}()},
		{"trigger 未知 metric", Config{UserID: 1, Kind: KindTrigger, Trigger: &TriggerParams{Metric: "funding", Timeframes: []market.Timeframe{market.Timeframe1h}}}},
		{"trigger 负涨幅条件", Config{UserID: 1, Kind: KindTrigger, Trigger: &TriggerParams{MinPriceChange: decimal.NewFromInt(-5), Timeframes: []market.Timeframe{market.Timeframe1h}}}},
		{"breakthrough 空阈值", Config{UserID: 1, Kind: KindBreakthrough, Breakthrough: &BreakthroughParams{}}},
		{"breakthrough 阈值非升序", Config{UserID: 1, Kind: KindBreakthrough, Breakthrough: &BreakthroughParams{Thresholds: []decimal.Decimal{decimal.NewFromInt(5), decimal.NewFromInt(3)}}}},
		{"breakthrough 阈值非正", Config{UserID: 1, Kind: KindBreakthrough, Breakthrough: &BreakthroughParams{Thresholds: []decimal.Decimal{decimal.Zero}}}},
	}

	for _, tc := range cases {
		if _, err := s.Create(ctx, tc.cfg); err == nil {
			t.Errorf("%s: 应拒绝非法配置", tc.name)
		}
	}

	configs, err := s.ListByUser(ctx, 1)
	if err != nil {
		t.Fatalf("ListByUser 应成功: %v", err)
	}
	if len(configs) != 0 {
		t.Fatalf("非法配置不应落盘: %d", len(configs))
	}
}

func TestListByUserIncludesDisabled(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	if _, err := s.Create(ctx, scheduleConfig(7, true)); err != nil {
		t.Fatalf("Create 应成功: %v", err)
	}
	if _, err := s.Create(ctx, scheduleConfig(7, false)); err != nil {
		t.Fatalf("Create 应成功: %v", err)
	}
	if _, err := s.Create(ctx, scheduleConfig(8, true)); err != nil {
		t.Fatalf("Create 应成功: %v", err)
	}

	configs, err := s.ListByUser(ctx, 7)
	if err != nil {
		t.Fatalf("ListByUser 应成功: %v", err)
	}
	// 列表包含停用配置，但只属于该用户。
	if len(configs) != 2 {
		t.Fatalf("用户 7 应有 2 条配置, 实际 %d", len(configs))
	}
}

func TestListEnabledFiltersKindAndState(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	if _, err := s.Create(ctx, scheduleConfig(7, true)); err != nil {
		t.Fatalf("Create 应成功: %v", err)
	}
	if _, err := s.Create(ctx, scheduleConfig(7, false)); err != nil {
		t.Fatalf("Create 应成功: %v", err)
	}
	if _, err := s.Create(ctx, Config{
		UserID:  7,
		Kind:    KindBreakthrough,
		Enabled: true,
		Breakthrough: &BreakthroughParams{
			Thresholds: []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(3)},
		},
	}); err != nil {
		t.Fatalf("Create 应成功: %v", err)
	}

	enabled, err := s.ListEnabled(ctx, KindSchedule)
	if err != nil {
		t.Fatalf("ListEnabled 应成功: %v", err)
	}
	if len(enabled) != 1 {
		t.Fatalf("仅启用的 schedule 配置应返回, 实际 %d", len(enabled))
	}
	if !enabled[0].Enabled || enabled[0].Kind != KindSchedule {
		t.Fatalf("返回配置不正确: %#v", enabled[0])
	}
}

func TestUpdateMergePatch(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	created, err := s.Create(ctx, scheduleConfig(9, true))
	if err != nil {
		t.Fatalf("Create 应成功: %v", err)
	}

	interval := 30
	disabled := false
	patched, err := s.Update(ctx, created.ID, Patch{
		Enabled:  &disabled,
		Schedule: &SchedulePatch{IntervalMinutes: &interval},
	})
	if err != nil {
		t.Fatalf("Update 应成功: %v", err)
	}

	if patched.Enabled {
		t.Fatal("Enabled 应被更新为 false")
	}
	if patched.Schedule.IntervalMinutes != 30 {
		t.Fatalf("间隔应更新为 30, 实际 %d", patched.Schedule.IntervalMinutes)
	}
	// 未指定的字段保持原值。
	if len(patched.Schedule.Timeframes) != 2 {
		t.Fatalf("未补丁字段不应改变: %#v", patched.Schedule.Timeframes)
	}
}

func TestUpdateRejectsInvalidMerge(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	created, err := s.Create(ctx, scheduleConfig(9, true))
	if err != nil {
		t.Fatalf("Create 应成功: %v", err)
	}

	bad := -1
	if _, err := s.Update(ctx, created.ID, Patch{Schedule: &SchedulePatch{IntervalMinutes: &bad}}); err == nil {
		t.Fatal("合并后非法的配置应被拒绝")
	}

	// 被拒的补丁不应落盘。
	configs, _ := s.ListByUser(ctx, 9)
	if configs[0].Schedule.IntervalMinutes != 60 {
		t.Fatalf("原配置应保持不变, 实际 %d", configs[0].Schedule.IntervalMinutes)
	}
}

func TestUpdateUnknownID(t *testing.T) {
	s := testStore()
	enabled := true
	if _, err := s.Update(context.Background(), "missing", Patch{Enabled: &enabled}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("未知 ID 应返回 ErrNotFound, 实际 %v", err)
	}
}
