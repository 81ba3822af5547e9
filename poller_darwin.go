//go:build darwin

package fiber

import (
	"errors"

	"golang.org/x/sys/unix"
)

const pollBatch = 256

func pollCreate() (int, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(kq)
	return kq, nil
}

// arm adds a one-shot filter per requested event. Adding an existing filter
// modifies it, so registered makes no difference.
func (p *poller) arm(fd int, events IOEvents, _ bool) error {
	changes := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ONESHOT)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.pfd, changes, nil, nil)
	return err
}

// disarm deletes both filters. One-shot filters that already fired are gone,
// so ENOENT is expected.
func (p *poller) disarm(fd int) error {
	for _, k := range eventsToKevents(fd, EventRead|EventWrite, unix.EV_DELETE) {
		if _, err := unix.Kevent(p.pfd, []unix.Kevent_t{k}, nil, nil); err != nil && !errors.Is(err, unix.ENOENT) {
			return err
		}
	}
	return nil
}

// armWakeup adds a level-triggered write filter on the wake pipe's write end,
// which is always writable.
func (p *poller) armWakeup() error {
	_, err := unix.Kevent(p.pfd, eventsToKevents(p.wakeW, EventWrite, unix.EV_ADD), nil, nil)
	return err
}

func (p *poller) wait() ([]int, error) {
	var buf [pollBatch]unix.Kevent_t
	n, err := unix.Kevent(p.pfd, nil, buf[:], nil)
	if err != nil {
		return nil, err
	}
	p.ready = p.ready[:0]
	for i := range n {
		p.ready = append(p.ready, int(buf[i].Ident))
	}
	return p.ready, nil
}

func eventsToKevents(fd int, events IOEvents, flags int) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		var k unix.Kevent_t
		unix.SetKevent(&k, fd, unix.EVFILT_READ, flags)
		kevents = append(kevents, k)
	}
	if events&EventWrite != 0 {
		var k unix.Kevent_t
		unix.SetKevent(&k, fd, unix.EVFILT_WRITE, flags)
		kevents = append(kevents, k)
	}
	return kevents
}
