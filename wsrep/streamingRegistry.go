package wsrep

import (
	log "github.com/sirupsen/logrus"
)

// Streaming registries. Local clients with an active streaming
// transaction are tracked by client id; high priority appliers hosting
// remote streaming transactions are tracked by (origin server id,
// transaction id). Both maps are serialized by the server mutex and
// hold non owning references.

func (s *ServerState) StartStreamingClient(client *ClientState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := client.ID()
	if _, exist := s.streamingClients[id]; exist {
		log.Panicf("server %v: streaming client %v already registered",
			s.config.Name, id)
	}
	log.Debugf("server %v: start streaming client %v", s.config.Name, id)
	s.streamingClients[id] = client
}

func (s *ServerState) StopStreamingClient(id ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exist := s.streamingClients[id]; !exist {
		log.Panicf("server %v: stop unknown streaming client %v",
			s.config.Name, id)
	}
	log.Debugf("server %v: stop streaming client %v", s.config.Name, id)
	delete(s.streamingClients, id)
}

// ConvertStreamingClientToApplier moves a local streaming client into
// the applier registry under this server's id, so the transaction can
// continue as a remote one after the local session terminates.
func (s *ServerState) ConvertStreamingClientToApplier(client *ClientState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := client.ID()
	if _, exist := s.streamingClients[id]; !exist {
		log.Panicf("server %v: convert unknown streaming client %v",
			s.config.Name, id)
	}
	delete(s.streamingClients, id)
	applier := s.service.StreamingApplierService()
	s.startStreamingApplierLocked(s.config.ID, client.Transaction().ID(), applier)
}

func (s *ServerState) StartStreamingApplier(
	serverID ID, trxID TransactionID, applier HighPriorityService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startStreamingApplierLocked(serverID, trxID, applier)
}

func (s *ServerState) startStreamingApplierLocked(
	serverID ID, trxID TransactionID, applier HighPriorityService) {
	key := streamingApplierKey{serverID: serverID, trxID: trxID}
	if _, exist := s.streamingAppliers[key]; exist {
		log.Panicf("server %v: streaming applier %v %v already registered",
			s.config.Name, serverID, trxID)
	}
	log.Debugf("server %v: start streaming applier %v %v",
		s.config.Name, serverID, trxID)
	s.streamingAppliers[key] = applier
}

func (s *ServerState) StopStreamingApplier(serverID ID, trxID TransactionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopStreamingApplierLocked(serverID, trxID)
}

func (s *ServerState) stopStreamingApplierLocked(serverID ID, trxID TransactionID) {
	key := streamingApplierKey{serverID: serverID, trxID: trxID}
	if _, exist := s.streamingAppliers[key]; !exist {
		log.Panicf("server %v: stop unknown streaming applier %v %v",
			s.config.Name, serverID, trxID)
	}
	log.Debugf("server %v: stop streaming applier %v %v",
		s.config.Name, serverID, trxID)
	delete(s.streamingAppliers, key)
}

// FindStreamingApplier returns the applier hosting the given remote
// streaming transaction, or nil.
func (s *ServerState) FindStreamingApplier(
	serverID ID, trxID TransactionID) HighPriorityService {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findStreamingApplierLocked(serverID, trxID)
}

func (s *ServerState) findStreamingApplierLocked(
	serverID ID, trxID TransactionID) HighPriorityService {
	return s.streamingAppliers[streamingApplierKey{serverID: serverID, trxID: trxID}]
}

func (s *ServerState) StreamingClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streamingClients)
}

func (s *ServerState) StreamingApplierCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streamingAppliers)
}

// closeForeignStreamingAppliersLocked rolls back streaming appliers
// whose origin server is not a member of the new view.
func (s *ServerState) closeForeignStreamingAppliersLocked(view View) {
	for key, applier := range s.streamingAppliers {
		if view.MemberIndex(key.serverID) != -1 {
			continue
		}
		log.Infof("server %v: closing streaming transaction %v from %v, "+
			"origin dropped out of the view",
			s.config.Name, key.trxID, key.serverID)
		meta := WsMeta{
			ServerID: key.serverID,
			TrxID:    key.trxID,
			Flags:    FlagRollback,
		}
		if err := applier.Rollback(WsHandle{TrxID: key.trxID}, meta); err != nil {
			log.Errorf("server %v: rollback of foreign streaming "+
				"transaction %v failed: %v", s.config.Name, key.trxID, err)
		}
		delete(s.streamingAppliers, key)
		s.service.ReleaseHighPriorityService(applier)
	}
}

// closeTransactionsAtDisconnectLocked drains both registries when the
// node leaves the group.
func (s *ServerState) closeTransactionsAtDisconnectLocked() {
	for key, hps := range s.streamingAppliers {
		meta := WsMeta{
			ServerID: key.serverID,
			TrxID:    key.trxID,
			Flags:    FlagRollback,
		}
		if err := hps.Rollback(WsHandle{TrxID: key.trxID}, meta); err != nil {
			log.Errorf("server %v: rollback of streaming transaction %v "+
				"at disconnect failed: %v", s.config.Name, key.trxID, err)
		}
		delete(s.streamingAppliers, key)
		s.service.ReleaseHighPriorityService(hps)
	}
	for id := range s.streamingClients {
		delete(s.streamingClients, id)
	}
}
