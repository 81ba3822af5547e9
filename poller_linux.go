//go:build linux

package fiber

import (
	"golang.org/x/sys/unix"
)

const pollBatch = 256

func pollCreate() (int, error) {
	return unix.EpollCreate1(unix.EPOLL_CLOEXEC)
}

// arm registers (or, if already registered, re-arms) a one-shot interest in
// events on fd.
func (p *poller) arm(fd int, events IOEvents, registered bool) error {
	op := unix.EPOLL_CTL_ADD
	if registered {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{
		Events: eventsToEpoll(events) | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.pfd, op, fd, &ev)
}

func (p *poller) disarm(fd int) error {
	return unix.EpollCtl(p.pfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// armWakeup registers the wake pipe's write end, which is always writable,
// so the next wait returns immediately.
func (p *poller) armWakeup() error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLOUT,
		Fd:     int32(p.wakeW),
	}
	return unix.EpollCtl(p.pfd, unix.EPOLL_CTL_ADD, p.wakeW, &ev)
}

func (p *poller) wait() ([]int, error) {
	var buf [pollBatch]unix.EpollEvent
	n, err := unix.EpollWait(p.pfd, buf[:], -1)
	if err != nil {
		return nil, err
	}
	p.ready = p.ready[:0]
	for i := range n {
		p.ready = append(p.ready, int(buf[i].Fd))
	}
	return p.ready, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var v uint32
	if events&EventRead != 0 {
		v |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		v |= unix.EPOLLOUT
	}
	return v
}
