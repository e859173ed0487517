// Copyright 2024 The mistnet Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pstream

// Loop is the single-threaded cooperative event loop spec §5 requires: all
// delegate callbacks are posted to it rather than invoked directly from the
// goroutines that pump I/O, so a request's state-machine transitions
// observe events strictly in the order they were posted, on one goroutine.
type Loop struct {
	post chan func()
	done chan struct{}
}

// NewLoop creates a Loop and starts its dispatch goroutine. Call Close when
// the loop is no longer needed.
func NewLoop() *Loop {
	l := &Loop{
		post: make(chan func(), 64),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.post:
			fn()
		case <-l.done:
			return
		}
	}
}

// Post enqueues fn to run on the loop's goroutine. Post never blocks the
// caller beyond the loop's internal queue filling up, matching the "post
// callbacks to it rather than invoking them from I/O-callback threads"
// requirement.
func (l *Loop) Post(fn func()) {
	select {
	case l.post <- fn:
	case <-l.done:
	}
}

// Close stops the loop's dispatch goroutine. Idempotent.
func (l *Loop) Close() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}
