/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package worker_test

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/rateopt/pkg/cost"
	"github.com/jordigilh/rateopt/pkg/queue"
	"github.com/jordigilh/rateopt/pkg/rateplan"
	"github.com/jordigilh/rateopt/pkg/worker"
)

var _ = Describe("SQLDataLoader", func() {
	var (
		ctx    context.Context
		db     *sqlx.DB
		mock   sqlmock.Sqlmock
		loader *worker.SQLDataLoader
	)

	BeforeEach(func() {
		ctx = context.Background()

		mockDB, mockSQL, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		db = sqlx.NewDb(mockDB, "sqlmock")
		mock = mockSQL
		repo := queue.NewRepository(db, logr.Discard())
		loader = worker.NewSQLDataLoader(db, repo, logr.Discard())
	})

	AfterEach(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			Fail(err.Error())
		}
	})

	queueColumns := []string{
		"id", "instance_id", "comm_group_id", "service_provider_id", "status",
		"total_cost", "status_reason", "created_at", "updated_at", "completed_at",
	}

	It("should assemble assigner input for a claimed queue", func() {
		now := time.Now()
		start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 0, 30)

		mock.ExpectQuery(`SELECT id, instance_id, comm_group_id`).
			WillReturnRows(sqlmock.NewRows(queueColumns).
				AddRow(7, 3, 9, 1, "Running", nil, nil, now, now, nil))

		mock.ExpectQuery(`SELECT id, session_id, service_provider_id`).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "session_id", "service_provider_id", "portal_type",
				"is_customer_optimization", "billing_period_start", "billing_period_end",
			}).AddRow(3, 42, 1, "M2M", false, start, end))

		mock.ExpectQuery(`SELECT id, instance_id, rate_plan_ids`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "instance_id", "rate_plan_ids"}).
				AddRow(9, 3, "5,6"))

		mock.ExpectQuery(`SELECT id, comm_plan_id, current_rate_plan_id`).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "comm_plan_id", "current_rate_plan_id", "usage_for_period",
				"activation_date", "billing_days_active", "is_prorated",
			}).
				AddRow(100, 1, 5, "250.0000", start, 30, false).
				AddRow(101, 1, 5, "1800.0000", start, 30, false))

		mock.ExpectQuery(`SELECT id, name, plan_type, included_allowance`).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "name", "plan_type", "included_allowance", "base_rate",
				"overage_rate", "overage_block_size", "is_shared_pool",
			}).
				AddRow(5, "DATA-1GB", "data", "1000", "10", "5", "100", false).
				AddRow(6, "DATA-2GB", "data", "2000", "18", "5", "100", false))

		mock.ExpectQuery(`SELECT rate_plan_id FROM optimization_queue_rate_plan`).
			WillReturnRows(sqlmock.NewRows([]string{"rate_plan_id"}).
				AddRow(6).AddRow(5))

		work, err := loader.Load(ctx, []int64{7}, cost.ChargeBaseAndOverage)
		Expect(err).ToNot(HaveOccurred())

		Expect(work.SessionID).To(Equal(int64(42)))
		Expect(work.Portal).To(Equal(rateplan.PortalM2M))
		Expect(work.BillingPeriodDays).To(Equal(30))
		Expect(work.Works).To(HaveLen(1))

		qw := work.Works[0]
		Expect(qw.QueueID).To(Equal(int64(7)))
		Expect(qw.Pools.PlanIDs()).To(Equal([]int64{6, 5}), "sequence order must be preserved")
		Expect(qw.Devices).To(HaveLen(2))
		Expect(qw.Baseline).ToNot(BeNil(), "both current plans are priceable")
	})

	It("should fail when the comm group has no staged devices", func() {
		now := time.Now()
		start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

		mock.ExpectQuery(`SELECT id, instance_id, comm_group_id`).
			WillReturnRows(sqlmock.NewRows(queueColumns).
				AddRow(7, 3, 9, 1, "Running", nil, nil, now, now, nil))

		mock.ExpectQuery(`SELECT id, session_id, service_provider_id`).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "session_id", "service_provider_id", "portal_type",
				"is_customer_optimization", "billing_period_start", "billing_period_end",
			}).AddRow(3, 42, 1, "M2M", false, start, start.AddDate(0, 0, 30)))

		mock.ExpectQuery(`SELECT id, instance_id, rate_plan_ids`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "instance_id", "rate_plan_ids"}).
				AddRow(9, 3, "5"))

		mock.ExpectQuery(`SELECT id, comm_plan_id, current_rate_plan_id`).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "comm_plan_id", "current_rate_plan_id", "usage_for_period",
				"activation_date", "billing_days_active", "is_prorated",
			}))

		_, err := loader.Load(ctx, []int64{7}, cost.ChargeBaseAndOverage)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("no devices staged"))
	})
})
