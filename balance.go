// Copyright (C) 2021 - 2025 PurpleSec Team
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.
//

package alternator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/PurpleSec/logx"
)

const checkWindow = 5 * time.Minute
const notificationCooldown = 24 * time.Hour
const loopSleepCap = time.Hour

// balanceMonitor is C7: a daily scheduled balance query and DM alert with
// an anti-spam cooldown (§4.7).
type balanceMonitor struct {
	_        [0]func()
	cfg      *balanceConfig
	or       *openRouterClient
	social   *socialClient
	log      logx.Log
	mu       sync.Mutex
	lastSent time.Time
	lastDay  string
}

func newBalanceMonitor(c *config, or *openRouterClient, social *socialClient, log logx.Log) *balanceMonitor {
	return &balanceMonitor{cfg: &c.Balance, or: or, social: social, log: log}
}

// run loops until ctx is canceled, sleeping between checks (capped at 1h
// per iteration, SPEC_FULL.md §C.4) and firing a notification at most
// once per 24h when the balance drops below threshold.
func (m *balanceMonitor) run(x context.Context) {
	hm, err := parseCheckTime(m.cfg.CheckTime)
	if err != nil {
		m.log.Error("Balance monitor disabled, invalid check_time: %s", err.Error())
		return
	}
	for {
		now := time.Now()
		if m.shouldCheckNow(now, hm) {
			m.check(x)
			m.mu.Lock()
			m.lastDay = now.Format("2006-01-02")
			m.mu.Unlock()
		}
		d := secondsUntilNextCheck(now, hm)
		if d > int(loopSleepCap.Seconds()) {
			d = int(loopSleepCap.Seconds())
		}
		select {
		case <-time.After(time.Duration(d) * time.Second):
		case <-x.Done():
			return
		}
	}
}

// shouldCheckNow reports whether "now" falls within the 5-minute window
// after check_time and no check has run yet today (SPEC_FULL.md §C.4 —
// covers spurious/early wakeups inside the window).
func (m *balanceMonitor) shouldCheckNow(now time.Time, hm [2]int) bool {
	m.mu.Lock()
	alreadyToday := m.lastDay == now.Format("2006-01-02")
	m.mu.Unlock()
	if alreadyToday {
		return false
	}
	target := time.Date(now.Year(), now.Month(), now.Day(), hm[0], hm[1], 0, 0, now.Location())
	return !now.Before(target) && now.Before(target.Add(checkWindow))
}

// secondsUntilNextCheck computes the sleep duration to the next check_time
// occurrence, floored at 60s and defaulting to a full day if the
// computation leaves less than that (avoids busy-waiting on a
// misconfigured or DST-shifted check_time).
func secondsUntilNextCheck(now time.Time, hm [2]int) int {
	target := time.Date(now.Year(), now.Month(), now.Day(), hm[0], hm[1], 0, 0, now.Location())
	if !target.After(now) {
		target = target.Add(24 * time.Hour)
	}
	d := int(target.Sub(now).Seconds())
	if d < 60 {
		d = 86400
	}
	return d
}

// check queries the balance and sends a DM if it has dropped below
// threshold and the cooldown has elapsed (§4.7). Failures are logged; the
// loop continues.
func (m *balanceMonitor) check(x context.Context) {
	balance, err := m.or.getBalance(x)
	if err != nil {
		m.log.Warning("Balance check failed: %s", err.Error())
		return
	}
	if balance < 0 || balance >= m.cfg.Threshold {
		return
	}
	m.mu.Lock()
	due := m.lastSent.IsZero() || time.Since(m.lastSent) >= notificationCooldown
	m.mu.Unlock()
	if !due {
		return
	}
	msg := "Your OpenRouter balance is low: $" + strconv.FormatFloat(balance, 'f', 2, 64) +
		" (threshold: $" + strconv.FormatFloat(m.cfg.Threshold, 'f', 2, 64) + ")."
	if err = m.social.sendDM(x, msg); err != nil {
		m.log.Warning("Low-balance notification failed to send: %s", err.Error())
		return
	}
	m.mu.Lock()
	m.lastSent = time.Now()
	m.mu.Unlock()
}
