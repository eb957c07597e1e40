package timebank

import "context"

// step is one optimistic local mutation and the mutation that undoes it.
type step struct {
	apply  func()
	revert func()
}

// optimistic applies every step, runs remote, and on failure reverts the
// steps in reverse order before returning remote's error. Pairing each
// mutation with its inverse here means a new transition cannot forget its
// rollback path.
func optimistic(ctx context.Context, steps []step, remote func(context.Context) error) error {
	for _, s := range steps {
		s.apply()
	}

	err := remote(ctx)
	if err == nil {
		return nil
	}

	for i := len(steps) - 1; i >= 0; i-- {
		steps[i].revert()
	}

	return err
}
