package scheduledqueue

import (
	"container/list"
	"sync"
	"time"
)

// Slot is one pending due-time entry in a timeWheel.
type Slot struct {
	Time time.Time
	ID string
}

// timeWheel is a priority-ordered timer: Add schedules a value for
// dispatch at a future time, and Dispatch delivers values as their time
// arrives, always waiting on whichever pending entry is soonest. It
// carries a message id rather than a generic payload.
type timeWheel struct {
	slots *list.List
	slotsLock sync.Mutex

	updateNotify chan time.Time
	stopNotify chan struct{}

	dispatch chan Slot
}

func newTimeWheel() *timeWheel {
	tw := &timeWheel{
		slots: list.New(),
		stopNotify: make(chan struct{}),
		updateNotify: make(chan time.Time),
		dispatch: make(chan Slot, 10),
	}
	go tw.tick()
	return tw
}

func (tw *timeWheel) Add(target time.Time, id string) {
	tw.slotsLock.Lock()
	tw.slots.PushBack(Slot{Time: target, ID: id})
	tw.slotsLock.Unlock()

	tw.updateNotify <- target
}

func (tw *timeWheel) Close() {
	if tw.stopNotify == nil {
		return
	}

	tw.stopNotify <- struct{}{}
	<-tw.stopNotify

	tw.stopNotify = nil

	close(tw.updateNotify)
	close(tw.dispatch)
}

func (tw *timeWheel) tick() {
	for {
		now := time.Now()
		tw.slotsLock.Lock()
		var closestSlot Slot
		var closestEl *list.Element
		haveSlot := false
		for e := tw.slots.Front(); e != nil; e = e.Next() {
			slot := e.Value.(Slot)
			if !haveSlot || slot.Time.Sub(now) < closestSlot.Time.Sub(now) {
				closestSlot = slot
				closestEl = e
				haveSlot = true
			}
		}
		tw.slotsLock.Unlock()

		if closestEl == nil {
			select {
			case <-tw.updateNotify:
				continue
			case <-tw.stopNotify:
				tw.stopNotify <- struct{}{}
				return
			}
		}

		timer := time.NewTimer(closestSlot.Time.Sub(now))

		for {
			select {
			case <-timer.C:
				tw.slotsLock.Lock()
				tw.slots.Remove(closestEl)
				tw.slotsLock.Unlock()
				tw.dispatch <- closestSlot
				goto breakinnerloop
			case newTarget := <-tw.updateNotify:
				if closestSlot.Time.Sub(now) <= newTarget.Sub(now) {
					continue
				}
				timer.Stop()
				goto breakinnerloop
			case <-tw.stopNotify:
				tw.stopNotify <- struct{}{}
				return
			}
		}
	breakinnerloop:
	}
}

func (tw *timeWheel) Dispatch() <-chan Slot {
	return tw.dispatch
}
