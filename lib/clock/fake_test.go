// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var fakeEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeNowAdvance(t *testing.T) {
	fake := Fake(fakeEpoch)
	if got := fake.Now(); !got.Equal(fakeEpoch) {
		t.Fatalf("Now() = %v, want %v", got, fakeEpoch)
	}

	fake.Advance(90 * time.Second)
	want := fakeEpoch.Add(90 * time.Second)
	if got := fake.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(fakeEpoch)
	ch := fake.After(30 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before the clock advanced")
	default:
	}

	fake.Advance(29 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := Fake(fakeEpoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeTicker(t *testing.T) {
	fake := Fake(fakeEpoch)
	ticker := fake.NewTicker(10 * time.Second)
	defer ticker.Stop()

	fake.Advance(10 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	// A stopped ticker stays silent.
	ticker.Stop()
	fake.Advance(30 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeTickerDropsWhenUndrained(t *testing.T) {
	fake := Fake(fakeEpoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	// Three intervals elapse without draining; only one tick may be
	// buffered.
	fake.Advance(3 * time.Second)

	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("ticker queued more than one tick")
	default:
	}
}
