package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"mindflow/backend/internal/conversation"
	"mindflow/backend/internal/graph"
	"mindflow/backend/internal/session"
	"mindflow/backend/pkg/config"
	"mindflow/backend/pkg/logger"
)

// Seeds a demo account with one session: a three-node topic subtree whose
// nodes reference two conversation turns. Gives the separation endpoint
// something real to split.
func main() {
	accountID := flag.String("account-id", "demo", "Account to seed")
	flag.Parse()

	if err := logger.Init("development"); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting database seeding...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}
	defer driver.Close(ctx)

	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer mongoClient.Disconnect(ctx)

	db, err := gorm.Open(mysql.Open(cfg.MySQLDSN), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("Failed to connect to MySQL", zap.Error(err))
	}

	graphRepo := graph.NewRepository(driver, cfg.Neo4jDatabase)
	conversations := conversation.NewStore(mongoClient.Database(cfg.MongoDatabase))
	sessions := session.NewStore(db)

	if err := sessions.Migrate(); err != nil {
		log.Fatal("Failed to migrate MySQL schema", zap.Error(err))
	}
	if err := conversations.EnsureIndexes(ctx); err != nil {
		log.Fatal("Failed to create chat log indexes", zap.Error(err))
	}

	room, err := sessions.CreateChatRoom(ctx, "Getting started with graphs", *accountID)
	if err != nil {
		log.Fatal("Failed to create chat room", zap.Error(err))
	}
	sessionRef := fmt.Sprintf("%d", room.ID)

	// Two turns, three fragments; the third topic deliberately has no fragment
	rootFragment := conversation.NewAnswerSentence("Graph databases store entities as nodes and relationships as edges.")
	childFragment := conversation.NewAnswerSentence("Cypher is Neo4j's declarative query language.")
	extraFragment := conversation.NewAnswerSentence("Indexes in Neo4j speed up node lookups by property.")

	if _, err := conversations.Create(ctx, *accountID, room.ID, "What is a graph database?",
		[]conversation.AnswerSentence{rootFragment}); err != nil {
		log.Fatal("Failed to create chat log", zap.Error(err))
	}
	if _, err := conversations.Create(ctx, *accountID, room.ID, "How do I query one?",
		[]conversation.AnswerSentence{childFragment, extraFragment}); err != nil {
		log.Fatal("Failed to create chat log", zap.Error(err))
	}

	rootID, err := graphRepo.CreateTopic(ctx, *accountID, sessionRef, "Graph databases", "Graph databases store entities as nodes and relationships as edges.", rootFragment.SentenceID)
	if err != nil {
		log.Fatal("Failed to create topic", zap.Error(err))
	}
	childID, err := graphRepo.CreateTopic(ctx, *accountID, sessionRef, "Cypher", "Cypher is Neo4j's declarative query language.", childFragment.SentenceID)
	if err != nil {
		log.Fatal("Failed to create topic", zap.Error(err))
	}
	leafID, err := graphRepo.CreateTopic(ctx, *accountID, sessionRef, "Pattern matching", "MATCH clauses describe the shape of the data to find.", "")
	if err != nil {
		log.Fatal("Failed to create topic", zap.Error(err))
	}

	if err := graphRepo.LinkTopics(ctx, *accountID, rootID, childID, graph.EdgeHasSubtopic); err != nil {
		log.Fatal("Failed to link topics", zap.Error(err))
	}
	if err := graphRepo.LinkTopics(ctx, *accountID, childID, leafID, graph.EdgeHasSubtopic); err != nil {
		log.Fatal("Failed to link topics", zap.Error(err))
	}

	log.Info("Seeding complete",
		zap.String("account_id", *accountID),
		zap.Int64("session_id", room.ID),
		zap.String("root_node_id", rootID),
		zap.String("separable_node_id", childID),
	)
}
