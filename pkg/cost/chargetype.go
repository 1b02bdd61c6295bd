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

package cost

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ChargeType selects which cost terms contribute to the optimization
// objective. All terms are always computed for reporting; the charge type
// only changes what the assigner minimizes.
type ChargeType int

const (
	// ChargeBaseAndOverage minimizes base + overage (default).
	ChargeBaseAndOverage ChargeType = 0
	// ChargeOverageOnly minimizes overage alone.
	ChargeOverageOnly ChargeType = 1
	// ChargeBaseOnly minimizes base alone.
	ChargeBaseOnly ChargeType = 2
)

// ParseChargeType validates a wire-level charge type value.
func ParseChargeType(v int) (ChargeType, error) {
	switch ChargeType(v) {
	case ChargeBaseAndOverage, ChargeOverageOnly, ChargeBaseOnly:
		return ChargeType(v), nil
	default:
		return 0, fmt.Errorf("unknown charge type %d", v)
	}
}

// Objective extracts the objective value from a computed cost.
func (t ChargeType) Objective(base, overage decimal.Decimal) decimal.Decimal {
	switch t {
	case ChargeOverageOnly:
		return overage
	case ChargeBaseOnly:
		return base
	default:
		return base.Add(overage)
	}
}

func (t ChargeType) String() string {
	switch t {
	case ChargeOverageOnly:
		return "overage-only"
	case ChargeBaseOnly:
		return "base-only"
	default:
		return "base+overage"
	}
}
