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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tradecore"

// Metrics 交易核心的计数器，nil 值可直接使用，所有方法为空操作
type Metrics struct {
	conflicts   *prometheus.CounterVec
	stock       *prometheus.CounterVec
	issuance    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	idempotency *prometheus.CounterVec
}

// New 在 reg 上注册计数器，reg 为 nil 时使用 prometheus.DefaultRegisterer
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Compare-and-swap writes retried after losing to a concurrent writer",
		}, []string{"component"}),
		stock: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_operations_total",
			Help:      "Inventory stock mutations by operation and result",
		}, []string{"op", "result"}),
		issuance: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupon_issuance_total",
			Help:      "Coupon issuance attempts by result",
		}, []string{"result"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions",
		}, []string{"from", "to"}),
		idempotency: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_idempotency_total",
			Help:      "Payment requests by idempotency key outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Conflict(component string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(component).Inc()
}

func (m *Metrics) Stock(op, result string) {
	if m == nil {
		return
	}
	m.stock.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Issuance(result string) {
	if m == nil {
		return
	}
	m.issuance.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Idempotency(outcome string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(outcome).Inc()
}

// Result 错误转换为 result 标签
func Result(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}
