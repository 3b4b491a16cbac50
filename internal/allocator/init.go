package allocator

// Go has no pthread_atfork equivalent: there is no hook the runtime invokes
// around fork/exec boundaries (and os/exec never calls a bare fork without
// an immediate exec, which sidesteps the hazard entirely). Callers that do
// reach for a raw fork (via cgo, or a syscall.ForkExec-adjacent path) are
// expected to call these three functions themselves, in this order, around
// the fork: PrepareFork before, AfterForkParent or AfterForkChild after,
// depending on which side of the fork they're on.

// PrepareFork acquires every allocator lock, in the fixed order regions
// then classes by index, so a forked child never inherits a lock held
// mid-update by a thread that did not survive the fork.
func PrepareFork() error {
	r, err := root()
	if err != nil {
		return err
	}

	r.region.Lock()

	for idx := 1; idx < len(r.classes); idx++ {
		r.classes[idx].Lock()
	}

	return nil
}

// AfterForkParent releases the locks PrepareFork acquired. The parent uses
// the same order for release as for acquisition — regions, then classes —
// rather than the conventional reverse-of-acquisition unwind.
func AfterForkParent() error {
	r, err := root()
	if err != nil {
		return err
	}

	r.region.Unlock()

	for idx := 1; idx < len(r.classes); idx++ {
		r.classes[idx].Unlock()
	}

	return nil
}

// AfterForkChild re-initializes every mutex PrepareFork acquired (by simply
// unlocking them here; Go mutexes have no notion of "owning thread" to
// repair, unlike a pthread_mutex_t, so unlock is the full repair) and
// reseeds every PRNG so the child's placement diverges from the parent's.
func AfterForkChild() error {
	r, err := root()
	if err != nil {
		return err
	}

	for idx := 1; idx < len(r.classes); idx++ {
		r.classes[idx].Unlock()
		r.classes[idx].Reseed()
	}

	r.region.Unlock()
	r.region.Reseed()

	return nil
}
