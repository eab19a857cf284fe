package decoder

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type queuedImage struct {
	timestamp time.Duration
	image     Image
	inUse     bool
}

// releaseImage closes an image and logs a failure to do so.
func releaseImage(log *logrus.Entry, image Image, function string) {
	if err := image.Close(); err != nil {
		log.WithFields(logrus.Fields{
			"function": function,
			"error":    err.Error(),
		}).Warn("Failed to release image")
	}
}

// imageQueue is the ordered sequence of decoded images awaiting the renderer.
// Methods with the Locked suffix require mu to be held.
type imageQueue struct {
	log *logrus.Entry

	mu     sync.Mutex
	images []*queuedImage
}

func (q *imageQueue) pushBackLocked(img *queuedImage) {
	q.images = append(q.images, img)
}

func (q *imageQueue) frontLocked() *queuedImage {
	if len(q.images) == 0 {
		return nil
	}
	return q.images[0]
}

// popFrontLocked retires the head and releases its image.
func (q *imageQueue) popFrontLocked() bool {
	if len(q.images) == 0 {
		return false
	}
	head := q.images[0]
	q.images[0] = nil
	q.images = q.images[1:]
	releaseImage(q.log, head.image, "popFrontLocked")
	return true
}

// clearLocked retires every image and returns how many were dropped.
func (q *imageQueue) clearLocked() int {
	n := len(q.images)
	for i, img := range q.images {
		releaseImage(q.log, img.image, "clearLocked")
		q.images[i] = nil
	}
	q.images = q.images[:0]
	return n
}

func (q *imageQueue) lenLocked() int {
	return len(q.images)
}

func (q *imageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.images)
}

func (q *imageQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clearLocked()
}
