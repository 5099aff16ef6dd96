package dispatcher

type Subscription interface {
	Unsubscribe()
}

type subs struct {
	dispatcher *Dispatcher
	entry      *entry
}

func (s *subs) Unsubscribe() {
	d := s.dispatcher
	d.mu.Lock()
	defer d.mu.Unlock()

	newList := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		if e != s.entry {
			newList = append(newList, e)
		}
	}
	d.entries = newList
}
