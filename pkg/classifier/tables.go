package classifier

// CoreTypes is the fixed set of core agent types, in tie-break order.
var CoreTypes = []string{
	"documentation",
	"ticketing",
	"version_control",
	"qa",
	"research",
	"ops",
	"security",
	"engineer",
	"data_engineer",
}

// keyword group: a label plus the words that signal it. Underscores in a
// keyword also match a space or a hyphen.
type group struct {
	label    string
	keywords []string
}

var coreKeywords = []group{
	{"documentation", []string{"documentation", "docs", "doc", "manual", "guide", "readme", "changelog", "technical_writing"}},
	{"ticketing", []string{"ticketing", "ticket", "tickets", "issue", "issues", "bug_tracking", "jira", "epic"}},
	{"version_control", []string{"version_control", "git", "vcs", "commit", "branch", "branching", "merge", "release_tag"}},
	{"qa", []string{"qa", "quality", "quality_assurance", "testing", "test", "tests", "validation", "verification", "regression", "coverage"}},
	{"research", []string{"research", "analyze", "analysis", "investigate", "investigation", "study", "explore", "evaluation"}},
	{"ops", []string{"ops", "operations", "deployment", "deploy", "infrastructure", "maintenance", "administration", "monitoring"}},
	{"security", []string{"security", "auth", "authentication", "permission", "vulnerability", "vulnerabilities", "encryption", "audit", "secret", "secrets"}},
	{"engineer", []string{"engineer", "engineering", "code", "coding", "develop", "development", "programming", "implementation", "refactoring"}},
	{"data_engineer", []string{"data_engineer", "data_engineering", "etl", "data_pipeline", "warehouse", "schema_migration"}},
}

var specializedKeywords = []group{
	{"ui_ux", []string{"ui", "ux", "user_experience", "interface_design", "usability"}},
	{"frontend", []string{"frontend", "front_end", "react", "vue", "angular", "web_ui", "client_side"}},
	{"backend", []string{"backend", "back_end", "server_side", "api_server", "microservice", "microservices"}},
	{"database", []string{"database", "db", "sql", "nosql", "mysql", "postgres", "postgresql", "mongodb", "redis"}},
	{"api", []string{"api", "rest", "graphql", "endpoint", "endpoints", "web_service"}},
	{"testing", []string{"unit_test", "integration_test", "e2e", "test_automation", "testing"}},
	{"performance", []string{"performance", "benchmark", "benchmarking", "optimization", "profiling", "load_test", "load_testing"}},
	{"monitoring", []string{"monitoring", "observability", "metrics", "logging", "alerting"}},
	{"devops", []string{"devops", "ci_cd", "ci/cd", "build_pipeline"}},
	{"cloud", []string{"cloud", "aws", "azure", "gcp", "kubernetes", "docker", "container", "containers"}},
	{"infrastructure", []string{"infrastructure", "terraform", "ansible", "provisioning"}},
	{"deployment", []string{"deployment", "deploy", "release", "staging", "production"}},
	{"analytics", []string{"analytics", "reporting", "business_intelligence", "dashboard", "dashboards"}},
	{"machine_learning", []string{"ml", "machine_learning", "ai", "model_training", "prediction"}},
	{"data_science", []string{"data_science", "data_scientist", "statistics", "statistical_analysis"}},
	{"project_management", []string{"pm", "project_management", "scrum", "agile", "planning"}},
	{"business_analysis", []string{"business_analyst", "business_analysis", "requirements", "specification"}},
	{"compliance", []string{"compliance", "governance", "policy", "regulatory"}},
	{"content", []string{"content", "copywriting", "technical_writing"}},
	{"customer_support", []string{"support", "helpdesk", "customer_service"}},
	{"marketing", []string{"marketing", "campaign", "promotion", "seo"}},
	{"orchestrator", []string{"orchestrator", "coordinator", "orchestration"}},
	{"scaffolding", []string{"scaffolding", "template", "generator", "boilerplate"}},
	{"architecture", []string{"architect", "architecture", "design_pattern", "design_patterns", "system_design"}},
	{"code_review", []string{"code_review", "review", "peer_review"}},
	{"memory_management", []string{"memory", "cache", "persistence"}},
	{"knowledge_base", []string{"knowledge", "kb", "wiki", "reference"}},
	{"integration", []string{"integration", "connector", "bridge", "adapter", "sync"}},
	{"workflow", []string{"workflow", "process", "automation"}},
}

var frameworkKeywords = []group{
	{"fastapi", []string{"fastapi", "pydantic"}},
	{"django", []string{"django"}},
	{"flask", []string{"flask"}},
	{"react", []string{"react"}},
	{"vue", []string{"vue"}},
	{"angular", []string{"angular"}},
	{"express", []string{"express"}},
	{"tensorflow", []string{"tensorflow"}},
	{"pytorch", []string{"torch", "pytorch"}},
	{"pandas", []string{"pandas"}},
	{"numpy", []string{"numpy"}},
	{"selenium", []string{"selenium"}},
	{"pytest", []string{"pytest"}},
	{"jest", []string{"jest"}},
	{"docker", []string{"docker"}},
	{"kubernetes", []string{"kubernetes", "kubectl"}},
	{"aws", []string{"boto3", "aws"}},
	{"azure", []string{"azure"}},
	{"gcp", []string{"gcp", "google_cloud"}},
	{"redis", []string{"redis"}},
	{"mongodb", []string{"pymongo", "mongodb"}},
	{"postgresql", []string{"psycopg2", "postgresql", "postgres"}},
	{"mysql", []string{"mysql", "pymysql"}},
	{"graphql", []string{"graphql"}},
	{"terraform", []string{"terraform"}},
	{"scikit_learn", []string{"scikit_learn", "sklearn"}},
	{"celery", []string{"celery"}},
	{"prometheus", []string{"prometheus"}},
	{"grafana", []string{"grafana"}},
	{"git", []string{"git"}},
}

var roleKeywords = []group{
	{"ui_designer", []string{"ui_design", "user_interface", "interface_design"}},
	{"ux_specialist", []string{"user_experience", "ux_research", "usability"}},
	{"frontend_developer", []string{"frontend_development", "client_side", "web_development"}},
	{"backend_developer", []string{"backend_development", "server_side", "api_development"}},
	{"database_administrator", []string{"database_admin", "db_management", "database_design"}},
	{"devops_engineer", []string{"devops", "ci/cd", "deployment_automation"}},
	{"security_specialist", []string{"security_analysis", "vulnerability_assessment", "penetration_testing"}},
	{"performance_engineer", []string{"performance_optimization", "load_testing", "benchmarking"}},
	{"quality_assurance", []string{"quality_assurance", "test_automation", "qa_testing"}},
	{"data_scientist", []string{"data_science", "machine_learning", "statistical_analysis"}},
	{"business_analyst", []string{"business_analysis", "requirements_gathering", "process_mapping"}},
	{"project_manager", []string{"project_management", "scrum_master"}},
	{"technical_writer", []string{"technical_writing", "content_creation"}},
	{"integration_specialist", []string{"system_integration", "api_integration", "middleware"}},
	{"architecture_specialist", []string{"system_architecture", "software_architecture", "design_patterns"}},
}

var domainKeywords = []group{
	{"e_commerce", []string{"e_commerce", "ecommerce", "shopping_cart", "checkout"}},
	{"healthcare", []string{"healthcare", "medical", "patient", "clinical"}},
	{"finance", []string{"financial", "banking", "trading", "investment"}},
	{"education", []string{"education", "student", "students", "course", "courses"}},
	{"gaming", []string{"gaming", "game_engine"}},
	{"social_media", []string{"social_media", "news_feed"}},
	{"iot", []string{"iot", "sensor", "sensors", "telemetry"}},
	{"blockchain", []string{"blockchain", "crypto", "smart_contract", "web3"}},
	{"ai_ml", []string{"artificial_intelligence", "machine_learning", "neural_network"}},
	{"cloud_native", []string{"cloud_native", "microservices", "serverless"}},
}
