//
// Copyright 2023 Bytedance Ltd. and/or its affiliates
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/checkout"
	"github.com/bytedance/tradecore/coupon"
	dbtimer "github.com/bytedance/tradecore/d_timer/sql"
	"github.com/bytedance/tradecore/eventbus/mem"
	"github.com/bytedance/tradecore/idempotency"
	redis_idempotency "github.com/bytedance/tradecore/idempotency/redis"
	"github.com/bytedance/tradecore/inventory"
	db_lock "github.com/bytedance/tradecore/lock/db"
	redis_lock "github.com/bytedance/tradecore/lock/redis"
	"github.com/bytedance/tradecore/logger/stdr"
	"github.com/bytedance/tradecore/metrics"
	"github.com/bytedance/tradecore/order"
	sqlstore "github.com/bytedance/tradecore/store/sql"
)

var log = stdr.NewStdr("tradecore_example")

type app struct {
	inventory *inventory.Ledger
	coupons   *coupon.Ledger
	orders    *order.Lifecycle
	expiry    *order.ExpiryScheduler
	cart      *checkout.MemCart
	checkout  *checkout.Orchestrator
	lock      tradecore.ILock
}

func build(ctx context.Context, cfg Config, db *gorm.DB, reg prometheus.Registerer) (*app, func(), error) {
	store := sqlstore.NewStore(db)
	records := append(order.Records(), coupon.Records()...)
	records = append(records, &inventory.Product{}, &idempotency.KeyRecord{})
	if err := store.Migrate(records...); err != nil {
		return nil, nil, err
	}

	m := metrics.New(reg)
	ctx, cancel := context.WithCancel(ctx)
	bus := mem.NewEventBus(cfg.EventBuffer)
	router := tradecore.NewEventRouter()
	router.Bind(bus)

	timer := dbtimer.NewDBTimer(cfg.Service, db)
	if err := timer.Migrate(); err != nil {
		cancel()
		return nil, nil, err
	}

	var lock tradecore.ILock
	var keys idempotency.IKeyStore = idempotency.NewRecordKeyStore(store)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		lock = redis_lock.NewRedisLock(rdb, 30*time.Second, redis_lock.WithoutRetry())
		keys = redis_idempotency.NewKeyStore(rdb)
	} else {
		dl := db_lock.NewDBLock(db, 30*time.Second, db_lock.WithoutRetry())
		if err := dl.Migrate(); err != nil {
			cancel()
			return nil, nil, err
		}
		lock = dl
	}

	a := &app{
		inventory: inventory.NewLedger(store, inventory.WithMetrics(m)),
		coupons:   coupon.NewLedger(store, coupon.WithMetrics(m)),
		cart:      checkout.NewMemCart(),
		lock:      lock,
	}
	a.orders = order.NewLifecycle(store, a.inventory,
		order.WithMetrics(m), order.WithEventBus(bus), order.WithDefaultTTL(cfg.OrderTTL))
	a.expiry = order.NewExpiryScheduler(a.orders, order.WithTimer(timer), order.WithSweepLock(lock))
	a.expiry.Register(router)
	a.checkout = checkout.NewOrchestrator(a.cart, a.orders, a.coupons, keys, checkout.WithMetrics(m))

	if err := bus.Start(ctx); err != nil {
		cancel()
		return nil, nil, err
	}
	timer.Start(ctx)
	if err := a.expiry.Start(cfg.SweepCron); err != nil {
		cancel()
		return nil, nil, err
	}

	stop := func() {
		a.expiry.Stop()
		cancel()
		bus.Wait()
		timer.Wait()
		if rdb != nil {
			_ = rdb.Close()
		}
	}
	return a, stop, nil
}

// demo 走一遍完整的下单支付流程
func (a *app) demo(ctx context.Context) error {
	p, err := a.inventory.Create(ctx, "mechanical keyboard", decimal.NewFromInt(10000), 10)
	if err != nil {
		return err
	}
	c, err := a.coupons.Create(ctx, coupon.Params{
		Code:          "WELCOME-" + uuid.NewString()[:8],
		Name:          "welcome",
		DiscountType:  coupon.DiscountFixed,
		DiscountValue: decimal.NewFromInt(5000),
		TotalIssuable: 100,
	})
	if err != nil {
		return err
	}
	if _, err := a.coupons.Publish(ctx, c.ID); err != nil {
		return err
	}
	g, err := a.coupons.Issue(ctx, c.ID, "demo_user")
	if err != nil {
		return err
	}

	cartID := uuid.NewString()
	a.cart.Put(cartID, order.Line{ProductID: p.ID, Qty: 2, UnitPrice: p.Price})
	o, err := a.checkout.CreateOrderFromCart(ctx, "demo_user", cartID)
	if err != nil {
		return err
	}
	if o, err = a.checkout.ApplyCoupon(ctx, o.ID, g.ID); err != nil {
		return err
	}

	key := uuid.NewString()
	if o, err = a.checkout.PayOrder(ctx, o.ID, key); err != nil {
		return err
	}
	// 客户端重试同一请求
	if _, err = a.checkout.PayOrder(ctx, o.ID, key); err != nil {
		return err
	}
	log.Info("demo order paid", "order", o.ID, "amount", o.FinalAmount().String(), "status", o.Status)
	return nil
}

func main() {
	configPath := flag.String("config", "", "yaml config file")
	runDemo := flag.Bool("demo", false, "run a checkout demo on startup")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error(err, "load config failed")
		os.Exit(1)
	}
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Error(err, "open database failed")
		os.Exit(1)
	}

	ctx, stopSignal := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignal()

	a, stop, err := build(ctx, cfg, db, prometheus.DefaultRegisterer)
	if err != nil {
		log.Error(err, "build app failed")
		os.Exit(1)
	}
	defer stop()

	if *runDemo {
		if err := a.demo(ctx); err != nil {
			log.Error(err, "demo failed")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("serving metrics", "addr", cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(err, "metrics server failed")
	}
}
