package gcode

type ModalGroup byte

// Only the groups the dispatcher needs to classify lines are tracked.
const (
	ModalGroupNone ModalGroup = iota
	ModalGroupNonModal
	ModalGroupMotion
	ModalGroupDistanceMode
	ModalGroupUnits
	ModalGroupStopping
	ModalGroupFan
	ModalGroupFeedRate
)

func (w Word) ModalGroup() ModalGroup {
	switch w.W {
	case 'G':
		switch w.Arg {
		case 4, 10, 28, 30, 53, 92:
			return ModalGroupNonModal
		case 0, 1, 2, 3, 38.2, 38.3, 38.4, 38.5:
			return ModalGroupMotion
		case 90, 91:
			return ModalGroupDistanceMode
		case 20, 21:
			return ModalGroupUnits
		}
	case 'M':
		switch w.Arg {
		case 0, 1, 2, 30, 400:
			return ModalGroupStopping
		case 106, 107:
			return ModalGroupFan
		}
	case 'F':
		return ModalGroupFeedRate
	}

	return ModalGroupNone
}
