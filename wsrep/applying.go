package wsrep

import (
	log "github.com/sirupsen/logrus"
)

// OnApply is invoked by the provider for every remote write set. The
// write set is routed to a high priority service which must complete
// either commit or rollback before this returns. Returns zero on
// success.
func (s *ServerState) OnApply(
	service HighPriorityService, handle WsHandle, meta WsMeta, data []byte) int {
	switch {
	case isToi(meta.Flags):
		return s.applyToi(service, meta, data)
	case rollsBackTransaction(meta.Flags):
		return s.applyRollbackFragment(meta)
	case startsTransaction(meta.Flags) && commitsTransaction(meta.Flags):
		return s.applyWholeWriteSet(service, handle, meta, data)
	default:
		return s.applyFragment(service, handle, meta, data)
	}
}

func (s *ServerState) applyToi(
	service HighPriorityService, meta WsMeta, data []byte) int {
	if err := service.ApplyToi(meta, data); err != nil {
		log.Errorf("server %v: TOI apply failed at %v: %v",
			s.config.Name, meta.Gtid, err)
		return 1
	}
	return 0
}

// applyWholeWriteSet handles a non streaming transaction: the whole
// write set arrives in one piece with both start and commit flags.
func (s *ServerState) applyWholeWriteSet(
	service HighPriorityService, handle WsHandle, meta WsMeta, data []byte) int {
	if err := service.StartTransaction(handle, meta); err != nil {
		log.Errorf("server %v: start of applying %v failed: %v",
			s.config.Name, meta.TrxID, err)
		return 1
	}
	if err := service.ApplyWriteSet(meta, data); err != nil {
		log.Warnf("server %v: applying %v failed, rolling back: %v",
			s.config.Name, meta.TrxID, err)
		if rerr := service.Rollback(handle, meta); rerr != nil {
			log.Errorf("server %v: rollback of %v failed: %v",
				s.config.Name, meta.TrxID, rerr)
			return 1
		}
		if err := service.AfterApply(); err != nil {
			return 1
		}
		return 0
	}
	if err := service.Commit(handle, meta); err != nil {
		log.Errorf("server %v: commit of %v failed: %v",
			s.config.Name, meta.TrxID, err)
		return 1
	}
	if err := service.AfterApply(); err != nil {
		return 1
	}
	return 0
}

// applyFragment handles one fragment of a remote streaming
// transaction. The first fragment allocates a streaming applier; the
// commit fragment commits the whole transaction and releases it.
func (s *ServerState) applyFragment(
	service HighPriorityService, handle WsHandle, meta WsMeta, data []byte) int {
	s.mu.Lock()
	applier := s.findStreamingApplierLocked(meta.ServerID, meta.TrxID)
	if applier == nil {
		if !startsTransaction(meta.Flags) {
			s.mu.Unlock()
			log.Errorf("server %v: fragment of unknown streaming "+
				"transaction %v from %v", s.config.Name, meta.TrxID, meta.ServerID)
			return 1
		}
		applier = s.service.StreamingApplierService()
		s.startStreamingApplierLocked(meta.ServerID, meta.TrxID, applier)
		s.mu.Unlock()
		if err := applier.StartTransaction(handle, meta); err != nil {
			log.Errorf("server %v: start of streaming transaction %v "+
				"failed: %v", s.config.Name, meta.TrxID, err)
			s.StopStreamingApplier(meta.ServerID, meta.TrxID)
			s.service.ReleaseHighPriorityService(applier)
			return 1
		}
	} else {
		s.mu.Unlock()
	}

	if commitsTransaction(meta.Flags) {
		if err := applier.ApplyWriteSet(meta, data); err != nil {
			log.Errorf("server %v: commit fragment of %v failed: %v",
				s.config.Name, meta.TrxID, err)
			return 1
		}
		if err := applier.Commit(handle, meta); err != nil {
			log.Errorf("server %v: commit of streaming transaction %v "+
				"failed: %v", s.config.Name, meta.TrxID, err)
			return 1
		}
		s.StopStreamingApplier(meta.ServerID, meta.TrxID)
		s.service.ReleaseHighPriorityService(applier)
		return 0
	}

	if err := applier.AppendFragmentAndCommit(handle, meta, data); err != nil {
		log.Errorf("server %v: fragment of %v failed: %v",
			s.config.Name, meta.TrxID, err)
		return 1
	}
	return 0
}

// applyRollbackFragment tears down a streaming transaction whose
// origin decided to roll back. When no applier is found the rollback
// concerned a transaction this node never started applying and the
// fragment is ignored.
func (s *ServerState) applyRollbackFragment(meta WsMeta) int {
	s.mu.Lock()
	applier := s.findStreamingApplierLocked(meta.ServerID, meta.TrxID)
	if applier == nil {
		s.mu.Unlock()
		log.Debugf("server %v: rollback fragment for unknown streaming "+
			"transaction %v from %v", s.config.Name, meta.TrxID, meta.ServerID)
		return 0
	}
	s.stopStreamingApplierLocked(meta.ServerID, meta.TrxID)
	s.mu.Unlock()
	if err := applier.RemoveFragments(meta); err != nil {
		log.Warnf("server %v: removing fragments of %v failed: %v",
			s.config.Name, meta.TrxID, err)
	}
	if err := applier.Rollback(WsHandle{TrxID: meta.TrxID}, meta); err != nil {
		log.Errorf("server %v: rollback of streaming transaction %v "+
			"failed: %v", s.config.Name, meta.TrxID, err)
		return 1
	}
	s.service.ReleaseHighPriorityService(applier)
	return 0
}
